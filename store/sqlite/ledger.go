package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamcity/coin-engine/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount inserts a zero-balance account or returns the existing one.
func (q *queries) CreateAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	now := formatTime(time.Now())
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (id, purchased, free, earned, version, created_at, updated_at)
		VALUES (?, 0, 0, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, now, now)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return q.GetAccount(ctx, id)
}

// GetAccount loads an account.
func (q *queries) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var (
		acct               ledger.Account
		createdAt, updated string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, purchased, free, earned, version, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&acct.ID, &acct.Purchased, &acct.Free, &acct.Earned, &acct.Version, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updated)
	return acct, nil
}

// CompareAndSwap writes balances if the version still matches.
func (q *queries) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion int64, next ledger.Balances) (ledger.Account, error) {
	if !next.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "balances", Message: "must not be negative"}
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE accounts
		SET purchased = ?, free = ?, earned = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Purchased, next.Free, next.Earned, formatTime(time.Now()), id, expectedVersion)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, err
	}
	if n == 0 {
		if _, err := q.GetAccount(ctx, id); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.ErrConflict
	}
	return q.GetAccount(ctx, id)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const entryColumns = `id, account_id, counterparty, kind, reason, reference_id,
	delta, purchased_delta, free_delta, resulting_balance, resulting_purchased,
	resulting_free, real_value, actor, metadata_json, created_at`

// AppendEntries inserts entries. The caller provides atomicity via WithTx.
func (q *queries) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		var metadataJSON sql.NullString
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadataJSON = sql.NullString{String: string(b), Valid: true}
		}

		_, err := q.q.ExecContext(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.AccountID, e.Counterparty, e.Kind, e.Reason, e.ReferenceID,
			e.Delta, e.PurchasedDelta, e.FreeDelta, e.ResultingBalance, e.ResultingPurchased,
			e.ResultingFree, e.RealValue, e.Actor, metadataJSON, formatTime(e.Timestamp),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrDuplicateReference
			}
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}
	return nil
}

// EntriesByReference returns entries for a reference in insertion order.
func (q *queries) EntriesByReference(ctx context.Context, referenceID string) ([]ledger.Entry, error) {
	return q.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE reference_id = ?
		ORDER BY seq ASC
	`, referenceID)
}

// QueryEntries returns one account's entries matching the filter.
func (q *queries) QueryEntries(ctx context.Context, accountID ledger.AccountID, filter ledger.Filter) ([]ledger.Entry, error) {
	filter = filter.Normalize()

	var (
		where = []string{"account_id = ?"}
		args  = []any{accountID}
	)
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if len(filter.Reasons) > 0 {
		where = append(where, "reason IN ("+placeholders(len(filter.Reasons))+")")
		for _, r := range filter.Reasons {
			args = append(args, r)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.To))
	}

	order := "DESC"
	if filter.Order == ledger.OrderAsc {
		order = "ASC"
	}
	args = append(args, filter.Limit)

	query := fmt.Sprintf(`
		SELECT %s FROM ledger_entries
		WHERE %s
		ORDER BY created_at %s, seq %s
		LIMIT ?
	`, entryColumns, strings.Join(where, " AND "), order, order)
	return q.queryEntries(ctx, query, args...)
}

// EntriesSince returns entries of a kind across accounts, oldest first.
func (q *queries) EntriesSince(ctx context.Context, kind ledger.Kind, since time.Time) ([]ledger.Entry, error) {
	return q.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE kind = ? AND created_at >= ?
		ORDER BY created_at ASC, seq ASC
	`, kind, formatTime(since))
}

func (q *queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		metadataJSON sql.NullString
		createdAt    string
	)
	err := rows.Scan(
		&e.ID, &e.AccountID, &e.Counterparty, &e.Kind, &e.Reason, &e.ReferenceID,
		&e.Delta, &e.PurchasedDelta, &e.FreeDelta, &e.ResultingBalance, &e.ResultingPurchased,
		&e.ResultingFree, &e.RealValue, &e.Actor, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	e.Timestamp = parseTime(createdAt)
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
