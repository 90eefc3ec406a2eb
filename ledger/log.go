/*
log.go - Append-only transaction log

PURPOSE:
  Read and append access to ledger entries with idempotency on
  (reference id, kind). The engine appends through a log bound to the
  transaction-scoped store; readers use a log over the root store.

IDEMPOTENCY:
  Append of an entry whose (reference id, kind) already exists:
  - same account and same delta: no-op, appended=false
  - anything else: ReferenceConflictError
  A reference holds one operation. The debit_spend and credit_earn of a
  transfer are the only kinds that share one; an entry of any other kind
  under a used reference is a ReferenceConflictError.

SEE ALSO:
  - engine.go: Appends entries inside WithTx
  - leaderboard/aggregator.go: Reconciles rollups from the log
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransactionLog wraps an EntryStore with idempotent append semantics.
type TransactionLog struct {
	store EntryStore
}

// NewTransactionLog creates a log over the given store.
func NewTransactionLog(store EntryStore) *TransactionLog {
	return &TransactionLog{store: store}
}

// Append stores the entry unless an identical one is already recorded.
func (l *TransactionLog) Append(ctx context.Context, entry Entry) (appended bool, err error) {
	existing, err := l.store.EntriesByReference(ctx, entry.ReferenceID)
	if err != nil {
		return false, fmt.Errorf("failed to check reference %s: %w", entry.ReferenceID, err)
	}
	if prior, ok := blockingEntry(existing, entry.Kind); ok {
		if prior.Kind == entry.Kind && prior.AccountID == entry.AccountID && prior.Delta == entry.Delta {
			return false, nil
		}
		return false, &ReferenceConflictError{
			ReferenceID:     entry.ReferenceID,
			Kind:            prior.Kind,
			ExistingAccount: prior.AccountID,
			ExistingAmount:  prior.Amount(),
			Requested:       entry.Amount(),
		}
	}

	if err := l.store.AppendEntries(ctx, []Entry{entry}); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return false, err
		}
		return false, fmt.Errorf("failed to append entry: %w", err)
	}
	return true, nil
}

// Query returns entries for one account. Newest first unless the filter
// asks for ascending order.
func (l *TransactionLog) Query(ctx context.Context, accountID AccountID, filter Filter) ([]Entry, error) {
	if accountID == "" {
		return nil, &ValidationError{Field: "account_id", Message: "is required"}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, &ValidationError{Field: "to", Message: "must not be before from"}
	}
	return l.store.QueryEntries(ctx, accountID, filter.Normalize())
}

// ByReference returns every entry recorded under a reference id.
func (l *TransactionLog) ByReference(ctx context.Context, referenceID string) ([]Entry, error) {
	return l.store.EntriesByReference(ctx, referenceID)
}

// Since returns entries of one kind across all accounts, oldest first.
func (l *TransactionLog) Since(ctx context.Context, kind Kind, since time.Time) ([]Entry, error) {
	return l.store.EntriesSince(ctx, kind, since)
}

func findKind(entries []Entry, kind Kind) (Entry, bool) {
	for _, e := range entries {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// blockingEntry returns the entry under a reference that a new entry of
// kind must match: one of the same kind, or else any entry that is not
// the other side of a transfer.
func blockingEntry(entries []Entry, kind Kind) (Entry, bool) {
	if prior, ok := findKind(entries, kind); ok {
		return prior, true
	}
	for _, e := range entries {
		if !transferPair(e.Kind, kind) {
			return e, true
		}
	}
	return Entry{}, false
}

func transferPair(a, b Kind) bool {
	return (a == KindDebitSpend && b == KindCreditEarn) || (a == KindCreditEarn && b == KindDebitSpend)
}
