package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/streamcity/coin-engine/api"
	"github.com/streamcity/coin-engine/ledger"
)

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, hashPasswordCmd, tokenCmd)
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()
		return app.Serve(ctx)
	},
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening a store applies pending migrations.
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		log.WithField("driver", app.cfg.StoreDriver).Info("Migrations applied")
		return nil
	},
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle pending transfers and rebuild the supporter leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		summary, err := app.handler.Jobs().Reconcile(cmd.Context())
		log.WithFields(log.Fields{
			"pairs_scanned":     summary.Leaderboard.PairsScanned,
			"pairs_changed":     summary.Leaderboard.PairsChanged,
			"coins_corrected":   summary.Leaderboard.CoinsCorrected,
			"transfers_settled": summary.TransfersSettled,
		}).Info("Reconciliation finished")
		return err
	},
}

// ─── hash-password ──────────────────────────────────────────────────────────

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password PASSWORD",
	Short: "Print an argon2id hash for ADMIN_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := api.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Print a bearer token for a user",
	Long:  `Sign a bearer token with JWT_SECRET. Intended for local development and tests.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.NewAuth(secret, "", "").IssueToken(ledger.AccountID(args[0]), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
