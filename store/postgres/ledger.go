package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamcity/coin-engine/ledger"
)

// CreateAccount inserts a zero-balance account or returns the existing one.
func (q *queries) CreateAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	_, err := q.q.Exec(ctx, `
		INSERT INTO accounts (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, string(id))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return q.GetAccount(ctx, id)
}

// GetAccount loads an account.
func (q *queries) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var (
		acct      ledger.Account
		accountID string
	)
	err := q.q.QueryRow(ctx, `
		SELECT id, purchased, free, earned, version, created_at, updated_at
		FROM accounts WHERE id = $1
	`, string(id)).Scan(&accountID, &acct.Purchased, &acct.Free, &acct.Earned, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	acct.ID = ledger.AccountID(accountID)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

// CompareAndSwap writes balances if the version still matches.
func (q *queries) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion int64, next ledger.Balances) (ledger.Account, error) {
	if !next.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "balances", Message: "must not be negative"}
	}
	tag, err := q.q.Exec(ctx, `
		UPDATE accounts
		SET purchased = $1, free = $2, earned = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`, next.Purchased, next.Free, next.Earned, string(id), expectedVersion)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetAccount(ctx, id); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.ErrConflict
	}
	return q.GetAccount(ctx, id)
}

const entryColumns = `id, account_id, counterparty, kind, reason, reference_id,
	delta, purchased_delta, free_delta, resulting_balance, resulting_purchased,
	resulting_free, real_value, actor, metadata, created_at`

// AppendEntries inserts entries. The caller provides atomicity via WithTx.
func (q *queries) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		var metadata []byte
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = b
		}

		_, err := q.q.Exec(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`,
			e.ID, string(e.AccountID), string(e.Counterparty), string(e.Kind), string(e.Reason), e.ReferenceID,
			e.Delta, e.PurchasedDelta, e.FreeDelta, e.ResultingBalance, e.ResultingPurchased,
			e.ResultingFree, e.RealValue, e.Actor, metadata, e.Timestamp.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
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
		WHERE reference_id = $1
		ORDER BY seq ASC
	`, referenceID)
}

// QueryEntries returns one account's entries matching the filter.
func (q *queries) QueryEntries(ctx context.Context, accountID ledger.AccountID, filter ledger.Filter) ([]ledger.Entry, error) {
	filter = filter.Normalize()

	var (
		where = []string{"account_id = $1"}
		args  = []any{string(accountID)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}
	if len(filter.Reasons) > 0 {
		reasons := make([]string, len(filter.Reasons))
		for i, r := range filter.Reasons {
			reasons[i] = string(r)
		}
		where = append(where, "reason = ANY("+arg(reasons)+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To.UTC()))
	}

	order := "DESC"
	if filter.Order == ledger.OrderAsc {
		order = "ASC"
	}
	limit := arg(filter.Limit)

	query := fmt.Sprintf(`
		SELECT %s FROM ledger_entries
		WHERE %s
		ORDER BY created_at %s, seq %s
		LIMIT %s
	`, entryColumns, strings.Join(where, " AND "), order, order, limit)
	return q.queryEntries(ctx, query, args...)
}

// EntriesSince returns entries of a kind across accounts, oldest first.
func (q *queries) EntriesSince(ctx context.Context, kind ledger.Kind, since time.Time) ([]ledger.Entry, error) {
	return q.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE kind = $1 AND created_at >= $2
		ORDER BY created_at ASC, seq ASC
	`, string(kind), since.UTC())
}

func (q *queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                                   ledger.Entry
			account, counterparty, kind, reason string
			metadata                            []byte
		)
		err := rows.Scan(
			&e.ID, &account, &counterparty, &kind, &reason, &e.ReferenceID,
			&e.Delta, &e.PurchasedDelta, &e.FreeDelta, &e.ResultingBalance, &e.ResultingPurchased,
			&e.ResultingFree, &e.RealValue, &e.Actor, &metadata, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		e.AccountID = ledger.AccountID(account)
		e.Counterparty = ledger.AccountID(counterparty)
		e.Kind = ledger.Kind(kind)
		e.Reason = ledger.Reason(reason)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
