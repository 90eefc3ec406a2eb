// Package postgres implements the coin engine storage interfaces on
// PostgreSQL using a pgxpool connection pool.
//
// The pool manages connections for concurrent requests, reconnects after
// network failures and caps the number of open connections. Schema
// migrations are embedded in the binary and applied in order, each in
// its own transaction, tracked in schema_migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/config"
	"github.com/streamcity/coin-engine/ledger"
)

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	queries
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries runs ledger statements against the pool or a transaction.
type queries struct {
	q querier
}

// NewPool creates a connection pool and checks the database is reachable.
//
// Example:
//
//	pool, err := postgres.NewPool(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.WithFields(log.Fields{
		"host":      cfg.DBHost,
		"database":  cfg.DBName,
		"max_conns": cfg.DBMaxConns,
	}).Info("Connected to PostgreSQL")
	return pool, nil
}

// New wraps a pool in a Store and applies pending migrations.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, queries: queries{q: pool}}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// MIGRATIONS
// =============================================================================

// Migrate applies every migration not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.applyMigration(ctx, m.version, m.sql)
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if applied {
			log.WithField("version", m.version).Info("Migration applied")
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, sql string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check migration: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, fmt.Errorf("failed to record migration: %w", err)
	}
	return true, tx.Commit(ctx)
}

var migrations = []struct {
	version int
	sql     string
}{
	{1, migration001Ledger},
	{2, migration002Leaderboard},
	{3, migration003Subscriptions},
	{4, migration004Rewards},
}

var migration001Ledger = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    purchased BIGINT NOT NULL DEFAULT 0 CHECK (purchased >= 0),
    free BIGINT NOT NULL DEFAULT 0 CHECK (free >= 0),
    earned BIGINT NOT NULL DEFAULT 0 CHECK (earned >= 0),
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    account_id TEXT NOT NULL,
    counterparty TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    reference_id TEXT NOT NULL,
    delta BIGINT NOT NULL,
    purchased_delta BIGINT NOT NULL,
    free_delta BIGINT NOT NULL,
    resulting_balance BIGINT NOT NULL,
    resulting_purchased BIGINT NOT NULL,
    resulting_free BIGINT NOT NULL,
    real_value BOOLEAN NOT NULL DEFAULT FALSE,
    actor TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference_kind ON ledger_entries(reference_id, kind);
CREATE INDEX IF NOT EXISTS idx_entries_account_created ON ledger_entries(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_kind_created ON ledger_entries(kind, created_at);
`

var migration002Leaderboard = `
CREATE TABLE IF NOT EXISTS leaderboard_pairs (
    gifter_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    total_coins BIGINT NOT NULL DEFAULT 0,
    total_gifts BIGINT NOT NULL DEFAULT 0,
    last_gift_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (gifter_id, recipient_id)
);
CREATE INDEX IF NOT EXISTS idx_pairs_recipient_total
    ON leaderboard_pairs(recipient_id, total_coins DESC, last_gift_at ASC);

CREATE TABLE IF NOT EXISTS stream_sessions (
    id TEXT PRIMARY KEY,
    streamer_id TEXT NOT NULL,
    streamer_name TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ,
    viewer_count BIGINT NOT NULL DEFAULT 0,
    likes BIGINT NOT NULL DEFAULT 0,
    troll_points BIGINT NOT NULL DEFAULT 0,
    total_gifts BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_streams_started ON stream_sessions(started_at);
`

var migration003Subscriptions = `
CREATE TABLE IF NOT EXISTS subscription_tiers (
    id TEXT PRIMARY KEY,
    streamer_id TEXT NOT NULL,
    name TEXT NOT NULL,
    level INTEGER NOT NULL DEFAULT 1,
    price_coins BIGINT NOT NULL,
    price_usd NUMERIC(10, 2) NOT NULL DEFAULT 0,
    badge_emoji TEXT NOT NULL DEFAULT '',
    benefits TEXT[] NOT NULL DEFAULT '{}',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    subscriber_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tiers_streamer ON subscription_tiers(streamer_id, level);

CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL,
    streamer_id TEXT NOT NULL,
    tier_id TEXT NOT NULL REFERENCES subscription_tiers(id),
    status TEXT NOT NULL,
    start_date TIMESTAMPTZ NOT NULL,
    end_date TIMESTAMPTZ NOT NULL,
    auto_renew BOOLEAN NOT NULL DEFAULT TRUE,
    cycle INTEGER NOT NULL DEFAULT 1,
    price_paid BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber ON subscriptions(subscriber_id, streamer_id, status);
CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, end_date);
`

var migration004Rewards = `
CREATE TABLE IF NOT EXISTS coin_requests (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    message TEXT NOT NULL,
    requested_amount BIGINT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    approved_amount BIGINT NOT NULL DEFAULT 0,
    coin_type TEXT NOT NULL DEFAULT '',
    admin_response TEXT NOT NULL DEFAULT '',
    processed_by TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_coin_requests_status ON coin_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_coin_requests_user ON coin_requests(user_id, created_at);

CREATE TABLE IF NOT EXISTS daily_claims (
    user_id TEXT NOT NULL,
    claim_date DATE NOT NULL,
    day_number INTEGER NOT NULL,
    streak_count INTEGER NOT NULL,
    coins_earned BIGINT NOT NULL,
    PRIMARY KEY (user_id, claim_date)
);
`

// =============================================================================
// HELPERS
// =============================================================================

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
