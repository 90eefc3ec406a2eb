/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the coin engine on SQLite.
  The postgres package implements the same interfaces for production.

INTERFACES IMPLEMENTED:
  ledger.TxStore:           Accounts + transaction log
  leaderboard.Store:        Supporter rollups + stream sessions
  subscription.Store:       Tiers + subscriptions
  rewards.ClaimStore:       Daily reward claims
  rewards.RequestStore:     Coin requests

APPEND-ONLY ENFORCEMENT:
  ledger_entries is never updated or deleted. A UNIQUE index on
  (reference_id, kind) backs ledger idempotency; a violation surfaces as
  ledger.ErrDuplicateReference.

COMPARE-AND-SWAP:
  Account updates are "UPDATE ... WHERE id = ? AND version = ?". Zero rows
  affected means the version moved (ledger.ErrConflict) or the account is
  missing (ledger.ErrAccountNotFound).

CONNECTIONS:
  The pool is pinned to one connection. SQLite allows one writer at a
  time anyway, and an in-memory database exists only on the connection
  that created it.

TIME:
  Timestamps are stored as fixed-width UTC text so they sort correctly.

USAGE:
  store, err := sqlite.New("./data/coins.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/streamcity/coin-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	queries
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs ledger statements against a database or a transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// SCHEMA
// =============================================================================

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Accounts (balances + CAS version)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		purchased INTEGER NOT NULL DEFAULT 0 CHECK (purchased >= 0),
		free INTEGER NOT NULL DEFAULT 0 CHECK (free >= 0),
		earned INTEGER NOT NULL DEFAULT 0 CHECK (earned >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transaction log (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		counterparty TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		purchased_delta INTEGER NOT NULL,
		free_delta INTEGER NOT NULL,
		resulting_balance INTEGER NOT NULL,
		resulting_purchased INTEGER NOT NULL,
		resulting_free INTEGER NOT NULL,
		real_value INTEGER NOT NULL DEFAULT 0,
		actor TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Idempotency: one entry per (reference, kind)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference_kind
		ON ledger_entries(reference_id, kind);

	-- History screens (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON ledger_entries(account_id, created_at DESC);

	-- Reconciliation and settlement scans
	CREATE INDEX IF NOT EXISTS idx_entries_kind_created
		ON ledger_entries(kind, created_at);

	-- Supporter rollup
	CREATE TABLE IF NOT EXISTS leaderboard_pairs (
		gifter_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		total_coins INTEGER NOT NULL DEFAULT 0,
		total_gifts INTEGER NOT NULL DEFAULT 0,
		last_gift_at TEXT NOT NULL,
		PRIMARY KEY (gifter_id, recipient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pairs_recipient_total
		ON leaderboard_pairs(recipient_id, total_coins DESC, last_gift_at ASC);

	-- Stream sessions
	CREATE TABLE IF NOT EXISTS stream_sessions (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL,
		streamer_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT,
		viewer_count INTEGER NOT NULL DEFAULT 0,
		likes INTEGER NOT NULL DEFAULT 0,
		troll_points INTEGER NOT NULL DEFAULT 0,
		total_gifts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_streams_started
		ON stream_sessions(started_at);

	-- Subscription tiers
	CREATE TABLE IF NOT EXISTS subscription_tiers (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 1,
		price_coins INTEGER NOT NULL,
		price_usd TEXT NOT NULL DEFAULT '0',
		badge_emoji TEXT NOT NULL DEFAULT '',
		benefits_json TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		subscriber_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tiers_streamer
		ON subscription_tiers(streamer_id, level);

	-- Subscriptions
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		streamer_id TEXT NOT NULL,
		tier_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		auto_renew BOOLEAN NOT NULL DEFAULT TRUE,
		cycle INTEGER NOT NULL DEFAULT 1,
		price_paid INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber
		ON subscriptions(subscriber_id, streamer_id, status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_due
		ON subscriptions(status, end_date);

	-- Coin requests
	CREATE TABLE IF NOT EXISTS coin_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		requested_amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		approved_amount INTEGER NOT NULL DEFAULT 0,
		coin_type TEXT NOT NULL DEFAULT '',
		admin_response TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		processed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coin_requests_status
		ON coin_requests(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_coin_requests_user
		ON coin_requests(user_id, created_at);

	-- Daily reward claims
	CREATE TABLE IF NOT EXISTS daily_claims (
		user_id TEXT NOT NULL,
		claim_date TEXT NOT NULL,
		day_number INTEGER NOT NULL,
		streak_count INTEGER NOT NULL,
		coins_earned INTEGER NOT NULL,
		PRIMARY KEY (user_id, claim_date)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand may use plain RFC3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
