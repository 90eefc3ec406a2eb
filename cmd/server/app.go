package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/api"
	"github.com/streamcity/coin-engine/config"
	"github.com/streamcity/coin-engine/factory"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
	"github.com/streamcity/coin-engine/store/postgres"
	"github.com/streamcity/coin-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

type closableStore interface {
	api.Store
	Close() error
}

var (
	_ closableStore = (*sqlite.Store)(nil)
	_ closableStore = (*postgres.Store)(nil)
)

// app holds the wired dependencies of one process.
type app struct {
	cfg     *config.Config
	store   closableStore
	kafka   *notify.KafkaDispatcher
	handler *api.Handler
	auth    *api.Auth
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pricing := factory.DefaultPricing()
	if cfg.PricingFile != "" {
		if pricing, err = factory.LoadPricing(cfg.PricingFile); err != nil {
			store.Close()
			return nil, err
		}
		log.WithField("file", cfg.PricingFile).Info("Pricing table loaded")
	}

	a := &app{cfg: cfg, store: store}
	var notifier notify.Dispatcher = notify.LogDispatcher{}
	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = notify.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifier = notify.Multi{notify.LogDispatcher{}, a.kafka}
		log.WithFields(log.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("Kafka notifications enabled")
	}

	engine := ledger.NewEngine(store, ledger.WithMaxRetries(cfg.LedgerMaxRetries))
	a.handler = api.NewHandler(store, engine, pricing, notifier, cfg.SettlementWindow)
	a.auth = api.NewAuth(cfg.JWTSecret, cfg.AdminPasswordHash, cfg.WebhookSecret)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (closableStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.WithField("path", cfg.SQLitePath).Info("SQLite store opened")
		return store, nil
	}
}

// Serve runs the API and the scheduler until ctx is cancelled, then shuts
// down gracefully.
func (a *app) Serve(ctx context.Context) error {
	scheduler, err := api.NewScheduler(a.handler.Jobs(), a.cfg.CronSubscriptionSweep, a.cfg.CronReconcile)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: api.NewRouter(a.handler, a.auth, api.RouterOptions{
			CORSOrigins:    a.cfg.CORSOrigins,
			MetricsEnabled: a.cfg.MetricsEnabled,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", a.cfg.HTTPPort).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server stopped")
	return nil
}

// Close releases the notifier and the store.
func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			log.WithError(err).Warn("Failed to flush notifications")
		}
	}
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
