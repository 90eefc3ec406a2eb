/*
types.go - Core types for the coin ledger

PURPOSE:
  Defines the account, entry and filter types shared by the engine, the
  transaction log, the stores and every feature package that moves coins.

KEY CONCEPTS:
  Account:  Per-user balances split into purchased and free coins.
            Total is always derived, never stored.
  Entry:    One immutable line of the transaction log. A transfer
            produces two entries (debit on the sender, credit on the
            recipient) sharing a reference id.
  Split:    How a debit was funded: purchased coins first, free coins
            for the remainder.

SEE ALSO:
  - operation.go: What callers ask the engine to do
  - engine.go: How operations turn into entries
  - store.go: Persistence interfaces
*/
package ledger

import "time"

// AccountID identifies a user's coin account.
type AccountID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Balances is the mutable part of an account.
type Balances struct {
	Purchased int64
	Free      int64
	// Earned counts real-value coins received over the account's lifetime.
	// It gates cash-out and is not part of the spendable total.
	Earned int64
}

// Total returns purchased + free.
func (b Balances) Total() int64 {
	return b.Purchased + b.Free
}

// Valid reports whether no balance is negative.
func (b Balances) Valid() bool {
	return b.Purchased >= 0 && b.Free >= 0 && b.Earned >= 0
}

// Account is the stored state of a user's coins.
type Account struct {
	ID AccountID
	Balances
	// Version increments on every committed change and is the
	// compare-and-swap token.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is an immutable transaction log record for one account.
type Entry struct {
	ID           string
	Timestamp    time.Time
	AccountID    AccountID
	Counterparty AccountID
	Kind         Kind
	Reason       Reason
	ReferenceID  string

	// Delta is the signed change to the account total.
	Delta          int64
	PurchasedDelta int64
	FreeDelta      int64

	ResultingBalance   int64
	ResultingPurchased int64
	ResultingFree      int64

	// RealValue is set on credit_earn entries that landed in purchased
	// coins, and on debit entries that were funded entirely by them.
	RealValue bool
	Actor     string
	Metadata  map[string]string
}

// Amount returns the unsigned size of the entry.
func (e Entry) Amount() int64 {
	if e.Delta < 0 {
		return -e.Delta
	}
	return e.Delta
}

// Split records how a debit was funded.
type Split struct {
	PurchasedUsed int64
	FreeUsed      int64
}

// RealValue reports whether the debit was funded only by purchased coins.
// A transfer passes value on to the recipient only in that case.
func (s Split) RealValue() bool {
	return s.FreeUsed == 0 && s.PurchasedUsed > 0
}

// splitDebit takes purchased coins first and free coins for the rest.
func splitDebit(b Balances, amount int64) Split {
	purchasedUsed := min(b.Purchased, amount)
	return Split{PurchasedUsed: purchasedUsed, FreeUsed: amount - purchasedUsed}
}

// =============================================================================
// QUERIES
// =============================================================================

// Order controls entry ordering in queries.
type Order string

const (
	OrderDesc Order = "desc" // Newest first (default)
	OrderAsc  Order = "asc"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Filter narrows a transaction log query for one account.
type Filter struct {
	Kinds   []Kind
	Reasons []Reason
	From    time.Time // Inclusive, zero means unbounded
	To      time.Time // Exclusive, zero means unbounded
	Order   Order
	Limit   int
}

// Normalize applies defaults and clamps the limit.
func (f Filter) Normalize() Filter {
	if f.Order != OrderAsc {
		f.Order = OrderDesc
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f
}

// Matches reports whether an entry passes the kind, reason and time filters.
func (f Filter) Matches(e Entry) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Reasons) > 0 && !containsReason(f.Reasons, e.Reason) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func containsReason(reasons []Reason, r Reason) bool {
	for _, rr := range reasons {
		if rr == r {
			return true
		}
	}
	return false
}
