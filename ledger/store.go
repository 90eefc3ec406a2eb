/*
store.go - Storage abstraction for accounts and the transaction log

PURPOSE:
  Defines what the engine needs from persistence. Implementations live
  in ledger/store (memory), store/sqlite and store/postgres.

KEY CONTRACTS:
  CompareAndSwap:  Writes balances only if the stored version matches,
                   otherwise ErrConflict. Never writes negative values.
  AppendEntries:   Rejects an entry whose (reference id, kind) is already
                   present with ErrDuplicateReference. Entries are never
                   updated or deleted.
  WithTx:          Runs fn atomically. The Store passed to fn must be used
                   for every read and write inside the transaction.

SEE ALSO:
  - engine.go: The only writer of accounts and entries
  - log.go: Read access to entries
*/
package ledger

import (
	"context"
	"time"
)

// AccountStore persists accounts.
type AccountStore interface {
	// CreateAccount creates a zero-balance account, or returns the existing one.
	CreateAccount(ctx context.Context, id AccountID) (Account, error)
	// GetAccount returns ErrAccountNotFound when the account doesn't exist.
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	// CompareAndSwap stores next if the current version equals expectedVersion
	// and returns the updated account.
	CompareAndSwap(ctx context.Context, id AccountID, expectedVersion int64, next Balances) (Account, error)
}

// EntryStore persists transaction log entries.
type EntryStore interface {
	AppendEntries(ctx context.Context, entries []Entry) error
	EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error)
	QueryEntries(ctx context.Context, accountID AccountID, filter Filter) ([]Entry, error)
	// EntriesSince returns entries of one kind across all accounts, oldest first.
	EntriesSince(ctx context.Context, kind Kind, since time.Time) ([]Entry, error)
}

// Store is the combined persistence surface.
type Store interface {
	AccountStore
	EntryStore
}

// TxStore is a Store that can run a function atomically.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
