/*
main.go - Application entry point

PURPOSE:
  Command line for the coin engine server.

COMMANDS:
  serve           Run the HTTP API and the background jobs
  migrate         Apply database migrations and exit
  reconcile       Settle pending transfers and rebuild the supporter
                  leaderboard once, then exit
  hash-password   Print an argon2id hash for ADMIN_PASSWORD_HASH
  token USER_ID   Print a bearer token for a user (development)

CONFIGURATION:
  Environment variables, optionally from .env. See config/config.go.

SEE ALSO:
  - app.go: Dependency wiring and graceful shutdown
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "coin-engine",
	Short:         "Virtual coin ledger for the live-streaming platform",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}
