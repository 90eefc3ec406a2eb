/*
engine.go - The ledger engine

PURPOSE:
  The only component that changes balances. Validates an operation,
  reads the account, checks sufficiency, computes the purchased/free
  split, and commits new balances together with the log entry using
  compare-and-swap.

EXECUTION:
  1. Validate shape (ErrInvalidOperation)
  2. Replay check by (reference id, kind): identical replays return the
     recorded entry, mismatches fail with ReferenceConflictError
  3. Load the account and plan the new balances
  4. WithTx: CompareAndSwap + append entry
  5. On ErrConflict or a concurrent duplicate, retry from step 2 up to
     MaxRetries, then ErrContention

TRANSFERS:
  A debit_spend with a destination commits the debit first, then the
  paired credit_earn under the same reference id. The credit is real
  value only when the debit used purchased coins exclusively. If the
  credit cannot commit, the debit stays and ErrCreditPending is returned;
  SettleTransfers finishes it later.

CANCELLATION:
  Once validation passes, the operation runs on a context detached from
  the caller's cancellation so a commit is never abandoned half way.

SEE ALSO:
  - operation.go: Operation shape and validation
  - log.go: Idempotent append
  - store.go: CompareAndSwap contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/metrics"
)

// DefaultMaxRetries bounds compare-and-swap retries per account commit.
const DefaultMaxRetries = 5

// Engine applies operations to accounts.
type Engine struct {
	store      TxStore
	log        *TransactionLog
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets how many times a conflicting commit is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between retries. Zero disables sleeping.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over a transactional store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		log:        NewTransactionLog(store),
		maxRetries: DefaultMaxRetries,
		backoff:    2 * time.Millisecond,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Log returns the transaction log backing the engine.
func (e *Engine) Log() *TransactionLog {
	return e.log
}

// OpenAccount creates a zero-balance account if it doesn't exist.
func (e *Engine) OpenAccount(ctx context.Context, id AccountID) (Account, error) {
	if id == "" {
		return Account{}, &ValidationError{Field: "account_id", Message: "is required"}
	}
	return e.store.CreateAccount(ctx, id)
}

// Account returns the current state of an account.
func (e *Engine) Account(ctx context.Context, id AccountID) (Account, error) {
	return e.store.GetAccount(ctx, id)
}

// =============================================================================
// EXECUTION
// =============================================================================

// Result is the outcome of an operation.
type Result struct {
	// Entries holds the debit (or single) entry first, then the paired
	// credit for transfers.
	Entries []Entry
	// Split is how a debit was funded. Zero for credits.
	Split Split
	// Replayed is true when every entry was already recorded.
	Replayed bool
	// FirstReplayed is true when the first entry was already recorded.
	FirstReplayed bool
	// CreditCommitted is true when this call committed a transfer's credit.
	CreditCommitted bool
}

// Apply executes the operation and returns the resulting entries.
func (e *Engine) Apply(ctx context.Context, op Operation) ([]Entry, error) {
	res, err := e.Execute(ctx, op)
	return res.Entries, err
}

// Execute executes the operation and reports how it was applied.
func (e *Engine) Execute(ctx context.Context, op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		metrics.ObserveOperation(string(op.Kind), metrics.OutcomeError, 0)
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	res, err := e.execute(ctx, op)

	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case res.Replayed:
		outcome = metrics.OutcomeReplayed
	default:
		metrics.LedgerCoins.WithLabelValues(string(op.Kind), string(op.Reason)).Add(float64(op.Amount))
	}
	metrics.ObserveOperation(string(op.Kind), outcome, time.Since(start))
	return res, err
}

func (e *Engine) execute(ctx context.Context, op Operation) (Result, error) {
	if op.IsTransfer() {
		// The recipient must exist before any coins leave the sender.
		if _, err := e.store.GetAccount(ctx, op.Dest); err != nil {
			return Result{}, err
		}
	}

	first, err := e.commit(ctx, op)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Entries:       []Entry{first.entry},
		Split:         first.split,
		Replayed:      first.replayed,
		FirstReplayed: first.replayed,
	}
	if !op.IsTransfer() {
		return res, nil
	}

	credit, err := e.commit(ctx, op.creditFor(first.split))
	if err != nil {
		log.WithFields(log.Fields{
			"reference": op.ReferenceID,
			"source":    op.Source,
			"dest":      op.Dest,
			"amount":    op.Amount,
		}).WithError(err).Warn("Transfer credit left pending")
		return res, fmt.Errorf("%w: %s: %v", ErrCreditPending, op.ReferenceID, err)
	}
	res.Entries = append(res.Entries, credit.entry)
	res.Replayed = res.Replayed && credit.replayed
	res.CreditCommitted = !credit.replayed
	return res, nil
}

type committed struct {
	entry    Entry
	split    Split
	replayed bool
}

// commit applies a single-account operation with compare-and-swap retries.
func (e *Engine) commit(ctx context.Context, op Operation) (committed, error) {
	accountID := op.Target()

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(attempt)
		}

		prior, found, err := e.replay(ctx, accountID, op)
		if err != nil {
			return committed{}, err
		}
		if found {
			return prior, nil
		}

		acct, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return committed{}, err
		}
		next, entry, split, err := e.plan(acct, op)
		if err != nil {
			return committed{}, err
		}

		err = e.store.WithTx(ctx, func(tx Store) error {
			if _, err := tx.CompareAndSwap(ctx, accountID, acct.Version, next); err != nil {
				return err
			}
			appended, err := NewTransactionLog(tx).Append(ctx, entry)
			if err != nil {
				return err
			}
			if !appended {
				return ErrDuplicateReference
			}
			return nil
		})

		switch {
		case err == nil:
			log.WithFields(log.Fields{
				"account":   accountID,
				"kind":      op.Kind,
				"reason":    op.Reason,
				"reference": op.ReferenceID,
				"delta":     entry.Delta,
				"balance":   entry.ResultingBalance,
			}).Debug("Ledger entry committed")
			return committed{entry: entry, split: split}, nil
		case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateReference):
			metrics.LedgerConflicts.Inc()
			continue
		default:
			return committed{}, err
		}
	}

	log.WithFields(log.Fields{
		"account":   accountID,
		"reference": op.ReferenceID,
		"attempts":  e.maxRetries + 1,
	}).Warn("Ledger commit gave up after conflicts")
	return committed{}, fmt.Errorf("%w: %s after %d attempts", ErrContention, accountID, e.maxRetries+1)
}

// replay looks for an entry already recorded for this reference. Only the
// two sides of a transfer may share a reference; any other entry under it
// is a conflict.
func (e *Engine) replay(ctx context.Context, accountID AccountID, op Operation) (committed, bool, error) {
	entries, err := e.log.ByReference(ctx, op.ReferenceID)
	if err != nil {
		return committed{}, false, fmt.Errorf("failed to load reference %s: %w", op.ReferenceID, err)
	}
	prior, ok := blockingEntry(entries, op.Kind)
	if !ok {
		return committed{}, false, nil
	}

	mismatch := prior.Kind != op.Kind || prior.AccountID != accountID || prior.Counterparty != op.counterparty()
	if op.Kind != KindReset && prior.Amount() != op.Amount {
		mismatch = true
	}
	if mismatch {
		return committed{}, false, &ReferenceConflictError{
			ReferenceID:     op.ReferenceID,
			Kind:            prior.Kind,
			ExistingAccount: prior.AccountID,
			ExistingAmount:  prior.Amount(),
			Requested:       op.Amount,
		}
	}

	c := committed{entry: prior, replayed: true}
	if prior.Kind == KindDebitSpend {
		c.split = Split{PurchasedUsed: -prior.PurchasedDelta, FreeUsed: -prior.FreeDelta}
	}
	return c, true, nil
}

// plan computes the new balances and the entry for an operation. Pure.
func (e *Engine) plan(acct Account, op Operation) (Balances, Entry, Split, error) {
	b := acct.Balances
	var split Split
	entry := Entry{
		ID:           e.newID(),
		Timestamp:    e.now().UTC(),
		AccountID:    acct.ID,
		Counterparty: op.counterparty(),
		Kind:         op.Kind,
		Reason:       op.Reason,
		ReferenceID:  op.ReferenceID,
		Actor:        op.Actor,
		Metadata:     op.Metadata,
	}

	switch op.Kind {
	case KindDebitSpend:
		if b.Total() < op.Amount {
			return b, Entry{}, split, &InsufficientFundsError{
				AccountID: acct.ID,
				Available: b.Total(),
				Requested: op.Amount,
				Shortfall: op.Amount - b.Total(),
			}
		}
		split = splitDebit(b, op.Amount)
		b.Purchased -= split.PurchasedUsed
		b.Free -= split.FreeUsed
		entry.PurchasedDelta = -split.PurchasedUsed
		entry.FreeDelta = -split.FreeUsed
		entry.RealValue = split.RealValue()

	case KindCreditEarn:
		if op.RealValue {
			if err := checkAdd(b.Purchased, op.Amount); err != nil {
				return b, Entry{}, split, err
			}
			b.Purchased += op.Amount
			b.Earned += op.Amount
			entry.PurchasedDelta = op.Amount
			entry.RealValue = true
		} else {
			if err := checkAdd(b.Free, op.Amount); err != nil {
				return b, Entry{}, split, err
			}
			b.Free += op.Amount
			entry.FreeDelta = op.Amount
		}

	case KindCreditGrant:
		if err := checkAdd(b.Free, op.Amount); err != nil {
			return b, Entry{}, split, err
		}
		b.Free += op.Amount
		entry.FreeDelta = op.Amount

	case KindPurchase:
		if err := checkAdd(b.Purchased, op.Amount); err != nil {
			return b, Entry{}, split, err
		}
		b.Purchased += op.Amount
		entry.PurchasedDelta = op.Amount

	case KindReset:
		entry.PurchasedDelta = -b.Purchased
		entry.FreeDelta = -b.Free
		b = Balances{}
	}

	entry.Delta = entry.PurchasedDelta + entry.FreeDelta
	entry.ResultingPurchased = b.Purchased
	entry.ResultingFree = b.Free
	entry.ResultingBalance = b.Total()
	return b, entry, split, nil
}

func checkAdd(balance, amount int64) error {
	if balance > math.MaxInt64/2-amount {
		return &ValidationError{Field: "amount", Message: "would overflow balance"}
	}
	return nil
}

func (e *Engine) sleep(attempt int) {
	if e.backoff <= 0 {
		return
	}
	jitter := time.Duration(rand.Int64N(int64(e.backoff)))
	time.Sleep(e.backoff*time.Duration(attempt) + jitter)
}

// counterparty is the other side recorded on the entry for this operation.
func (op Operation) counterparty() AccountID {
	switch op.Kind {
	case KindDebitSpend:
		return op.Dest
	case KindReset:
		return ""
	default:
		return op.Source
	}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettleTransfers applies any missing credits for transfer debits recorded
// since the given time and returns how many credits it committed.
func (e *Engine) SettleTransfers(ctx context.Context, since time.Time) (int, error) {
	debits, err := e.log.Since(ctx, KindDebitSpend, since)
	if err != nil {
		return 0, fmt.Errorf("failed to scan debits: %w", err)
	}

	var (
		settled int
		errs    []error
	)
	for _, d := range debits {
		if d.Counterparty == "" {
			continue
		}
		op := Operation{
			Kind:        KindCreditEarn,
			Amount:      d.Amount(),
			Source:      d.AccountID,
			Dest:        d.Counterparty,
			Reason:      d.Reason,
			ReferenceID: d.ReferenceID,
			RealValue:   d.FreeDelta == 0,
			Actor:       d.Actor,
			Metadata:    d.Metadata,
		}
		c, err := e.commit(ctx, op)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", d.ReferenceID, err))
			continue
		}
		if !c.replayed {
			settled++
			log.WithFields(log.Fields{
				"reference": d.ReferenceID,
				"dest":      d.Counterparty,
				"amount":    d.Amount(),
			}).Info("Settled pending transfer credit")
		}
	}
	return settled, errors.Join(errs...)
}
