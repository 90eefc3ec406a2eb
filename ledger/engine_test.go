package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithBackoff(0)}, opts...)
	return ledger.NewEngine(mem, opts...), mem
}

// fund opens an account and gives it the requested balances.
func fund(t *testing.T, e *ledger.Engine, id ledger.AccountID, purchased, free int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.OpenAccount(ctx, id)
	require.NoError(t, err)
	if purchased > 0 {
		_, err = e.Apply(ctx, ledger.Operation{
			Kind: ledger.KindPurchase, Amount: purchased, Dest: id,
			Reason: ledger.ReasonCoinPurchase, ReferenceID: fmt.Sprintf("seed-p-%s", id),
		})
		require.NoError(t, err)
	}
	if free > 0 {
		_, err = e.Apply(ctx, ledger.Operation{
			Kind: ledger.KindCreditGrant, Amount: free, Dest: id,
			Reason: ledger.ReasonAdminGrant, ReferenceID: fmt.Sprintf("seed-f-%s", id),
		})
		require.NoError(t, err)
	}
}

func balances(t *testing.T, e *ledger.Engine, id ledger.AccountID) ledger.Balances {
	t.Helper()
	acct, err := e.Account(context.Background(), id)
	require.NoError(t, err)
	return acct.Balances
}

func spend(from ledger.AccountID, amount int64, ref string) ledger.Operation {
	return ledger.Operation{
		Kind: ledger.KindDebitSpend, Amount: amount, Source: from,
		Reason: ledger.ReasonEntranceEffect, ReferenceID: ref,
	}
}

func gift(from, to ledger.AccountID, amount int64, ref string) ledger.Operation {
	return ledger.Operation{
		Kind: ledger.KindDebitSpend, Amount: amount, Source: from, Dest: to,
		Reason: ledger.ReasonGift, ReferenceID: ref,
	}
}

// =============================================================================
// DEBIT SPLIT
// =============================================================================

func TestEngine_DebitSpend_PurchasedFirstThenFree(t *testing.T) {
	// GIVEN: An account with 30 purchased and 20 free coins
	// WHEN: Spending 40
	// THEN: 30 purchased and 10 free are used, leaving (0, 10)

	e, _ := newTestEngine(t)
	fund(t, e, "alice", 30, 20)

	res, err := e.Execute(context.Background(), spend("alice", 40, "effect-1"))
	require.NoError(t, err)

	assert.Equal(t, ledger.Split{PurchasedUsed: 30, FreeUsed: 10}, res.Split)
	require.Len(t, res.Entries, 1)
	entry := res.Entries[0]
	assert.Equal(t, int64(-40), entry.Delta)
	assert.Equal(t, int64(-30), entry.PurchasedDelta)
	assert.Equal(t, int64(-10), entry.FreeDelta)
	assert.Equal(t, int64(10), entry.ResultingBalance)
	assert.False(t, entry.RealValue)

	b := balances(t, e, "alice")
	assert.Equal(t, int64(0), b.Purchased)
	assert.Equal(t, int64(10), b.Free)
}

func TestEngine_DebitSpend_InsufficientFunds_NoPartialDebit(t *testing.T) {
	// GIVEN: An account with (30, 20), total 50
	// WHEN: Spending 60
	// THEN: InsufficientFunds and balances unchanged

	e, _ := newTestEngine(t)
	fund(t, e, "alice", 30, 20)

	_, err := e.Apply(context.Background(), spend("alice", 60, "effect-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insuf *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insuf)
	assert.Equal(t, int64(50), insuf.Available)
	assert.Equal(t, int64(10), insuf.Shortfall)

	b := balances(t, e, "alice")
	assert.Equal(t, ledger.Balances{Purchased: 30, Free: 20}, b)

	entries, err := e.Log().Query(context.Background(), "alice", ledger.Filter{Kinds: []ledger.Kind{ledger.KindDebitSpend}})
	require.NoError(t, err)
	assert.Empty(t, entries, "failed debit must not be logged")
}

func TestEngine_DebitSpend_SplitTable(t *testing.T) {
	cases := []struct {
		name            string
		purchased, free int64
		amount          int64
		wantPurchased   int64
		wantFree        int64
	}{
		{"all purchased", 100, 0, 40, 40, 0},
		{"all free", 0, 100, 40, 0, 40},
		{"exact purchased", 40, 10, 40, 40, 0},
		{"mixed", 5, 50, 20, 5, 15},
		{"drains both", 5, 15, 20, 5, 15},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			id := ledger.AccountID(fmt.Sprintf("user-%d", i))
			fund(t, e, id, tc.purchased, tc.free)

			res, err := e.Execute(context.Background(), spend(id, tc.amount, "split"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantPurchased, res.Split.PurchasedUsed)
			assert.Equal(t, tc.wantFree, res.Split.FreeUsed)
			assert.Equal(t, tc.amount, res.Split.PurchasedUsed+res.Split.FreeUsed)

			b := balances(t, e, id)
			assert.GreaterOrEqual(t, b.Purchased, int64(0))
			assert.GreaterOrEqual(t, b.Free, int64(0))
		})
	}
}

// =============================================================================
// TRANSFERS AND REAL VALUE
// =============================================================================

func TestEngine_Transfer_PurchasedFunded_IsRealValue(t *testing.T) {
	// GIVEN: A sender with enough purchased coins
	// WHEN: Gifting 40 to a recipient
	// THEN: The recipient's purchased and earned coins rise by 40

	e, _ := newTestEngine(t)
	fund(t, e, "sender", 100, 0)
	fund(t, e, "streamer", 0, 0)

	res, err := e.Execute(context.Background(), gift("sender", "streamer", 40, "gift-1"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	credit := res.Entries[1]
	assert.Equal(t, ledger.KindCreditEarn, credit.Kind)
	assert.True(t, credit.RealValue)
	assert.Equal(t, ledger.AccountID("sender"), credit.Counterparty)

	b := balances(t, e, "streamer")
	assert.Equal(t, int64(40), b.Purchased)
	assert.Equal(t, int64(40), b.Earned)
	assert.Equal(t, int64(0), b.Free)
}

func TestEngine_Transfer_MixedFunding_IsNotRealValue(t *testing.T) {
	// GIVEN: A sender whose purchased coins only partly cover the gift
	// WHEN: Gifting 40
	// THEN: The recipient gets 40 free coins and nothing earned

	e, _ := newTestEngine(t)
	fund(t, e, "sender", 39, 10)
	fund(t, e, "streamer", 0, 0)

	res, err := e.Execute(context.Background(), gift("sender", "streamer", 40, "gift-2"))
	require.NoError(t, err)
	assert.False(t, res.Split.RealValue())

	b := balances(t, e, "streamer")
	assert.Equal(t, int64(0), b.Purchased)
	assert.Equal(t, int64(0), b.Earned)
	assert.Equal(t, int64(40), b.Free)
}

func TestEngine_CreditEarn_Standalone(t *testing.T) {
	// GIVEN: A recipient account
	// WHEN: Crediting 40 with and without real value
	// THEN: Real value lands in purchased+earned, otherwise only free

	e, _ := newTestEngine(t)
	fund(t, e, "streamer", 0, 0)
	ctx := context.Background()

	_, err := e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindCreditEarn, Amount: 40, Source: "fan", Dest: "streamer",
		Reason: ledger.ReasonGift, ReferenceID: "c-1", RealValue: true,
	})
	require.NoError(t, err)
	_, err = e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindCreditEarn, Amount: 40, Source: "fan", Dest: "streamer",
		Reason: ledger.ReasonGift, ReferenceID: "c-2",
	})
	require.NoError(t, err)

	b := balances(t, e, "streamer")
	assert.Equal(t, int64(40), b.Purchased)
	assert.Equal(t, int64(40), b.Earned)
	assert.Equal(t, int64(40), b.Free)
}

func TestEngine_Transfer_Conservation(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "sender", 25, 25)
	fund(t, e, "streamer", 0, 0)

	res, err := e.Execute(context.Background(), gift("sender", "streamer", 35, "gift-3"))
	require.NoError(t, err)

	var sum int64
	for _, entry := range res.Entries {
		sum += entry.Delta
	}
	assert.Equal(t, int64(0), sum, "a closed gift moves coins without creating any")

	total := balances(t, e, "sender").Total() + balances(t, e, "streamer").Total()
	assert.Equal(t, int64(50), total)
}

func TestEngine_Transfer_UnknownRecipient_DebitsNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "sender", 100, 0)

	_, err := e.Apply(context.Background(), gift("sender", "ghost", 10, "gift-4"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Equal(t, int64(100), balances(t, e, "sender").Purchased)
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestEngine_Purchase_SameReferenceAppliedOnce(t *testing.T) {
	// GIVEN: A purchase webhook for 1370 coins with reference sq_txn_001
	// WHEN: The webhook is delivered twice
	// THEN: purchasedCoins rises by 1370 exactly once and the replay
	//       returns the original entry

	e, _ := newTestEngine(t)
	fund(t, e, "buyer", 0, 0)
	ctx := context.Background()

	op := ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 1370, Dest: "buyer",
		Reason: ledger.ReasonCoinPurchase, ReferenceID: "sq_txn_001",
	}
	first, err := e.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)

	assert.Equal(t, int64(1370), balances(t, e, "buyer").Purchased)
}

func TestEngine_ReferenceConflict_DifferentAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "buyer", 0, 0)
	ctx := context.Background()

	_, err := e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 500, Dest: "buyer",
		Reason: ledger.ReasonCoinPurchase, ReferenceID: "sq_txn_002",
	})
	require.NoError(t, err)

	_, err = e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 1370, Dest: "buyer",
		Reason: ledger.ReasonCoinPurchase, ReferenceID: "sq_txn_002",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrReferenceConflict)
	assert.False(t, ledger.IsRetryable(err))
	assert.Equal(t, int64(500), balances(t, e, "buyer").Purchased)
}

func TestEngine_ReferenceConflict_DifferentAccount(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "a", 100, 0)
	fund(t, e, "b", 100, 0)
	ctx := context.Background()

	_, err := e.Apply(ctx, spend("a", 10, "shared-ref"))
	require.NoError(t, err)
	_, err = e.Apply(ctx, spend("b", 10, "shared-ref"))
	assert.ErrorIs(t, err, ledger.ErrReferenceConflict)
	assert.Equal(t, int64(100), balances(t, e, "b").Purchased)
}

func TestEngine_ReferenceConflict_DifferentKind(t *testing.T) {
	// GIVEN: A grant recorded under a coin request reference
	// WHEN: The same reference is used for a purchase
	// THEN: The purchase is rejected and the account is credited once

	e, _ := newTestEngine(t)
	fund(t, e, "viewer", 0, 0)
	ctx := context.Background()

	_, err := e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindCreditGrant, Amount: 100, Dest: "viewer",
		Reason: ledger.ReasonCoinRequest, ReferenceID: "coinreq:1",
	})
	require.NoError(t, err)

	_, err = e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 100, Dest: "viewer",
		Reason: ledger.ReasonCoinRequest, ReferenceID: "coinreq:1",
	})
	assert.ErrorIs(t, err, ledger.ErrReferenceConflict)
	var conflict *ledger.ReferenceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ledger.KindCreditGrant, conflict.Kind)

	_, err = e.Apply(ctx, spend("viewer", 10, "coinreq:1"))
	assert.ErrorIs(t, err, ledger.ErrReferenceConflict)

	b := balances(t, e, "viewer")
	assert.Equal(t, int64(0), b.Purchased)
	assert.Equal(t, int64(100), b.Free)
}

func TestEngine_Transfer_ReplayIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "sender", 100, 0)
	fund(t, e, "streamer", 0, 0)
	ctx := context.Background()

	_, err := e.Apply(ctx, gift("sender", "streamer", 30, "gift-5"))
	require.NoError(t, err)
	res, err := e.Execute(ctx, gift("sender", "streamer", 30, "gift-5"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Len(t, res.Entries, 2)

	assert.Equal(t, int64(70), balances(t, e, "sender").Purchased)
	assert.Equal(t, int64(30), balances(t, e, "streamer").Purchased)
}

// =============================================================================
// RESET
// =============================================================================

func TestEngine_Reset_ZeroesAndRecords(t *testing.T) {
	// GIVEN: An account with (500, 300)
	// WHEN: Resetting it
	// THEN: Balances are (0, 0) and a reset entry records the zeroing

	e, _ := newTestEngine(t)
	fund(t, e, "banned", 500, 300)
	ctx := context.Background()

	entries, err := e.Apply(ctx, ledger.Operation{
		Kind: ledger.KindReset, Source: "banned",
		Reason: ledger.ReasonBanAppeal, ReferenceID: "appeal-1", Actor: "admin",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindReset, entries[0].Kind)
	assert.Equal(t, int64(-800), entries[0].Delta)
	assert.Equal(t, int64(0), entries[0].ResultingBalance)

	assert.Equal(t, ledger.Balances{}, balances(t, e, "banned"))

	logged, err := e.Log().Query(ctx, "banned", ledger.Filter{Kinds: []ledger.Kind{ledger.KindReset}})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "admin", logged[0].Actor)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestEngine_InvalidOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 10, 0)

	cases := []struct {
		name string
		op   ledger.Operation
	}{
		{"negative amount", spend("alice", -5, "x")},
		{"zero amount", spend("alice", 0, "x")},
		{"missing reference", spend("alice", 5, "")},
		{"unknown kind", ledger.Operation{Kind: "steal", Amount: 5, Source: "alice", ReferenceID: "x"}},
		{"self transfer", gift("alice", "alice", 5, "x")},
		{"credit without dest", ledger.Operation{Kind: ledger.KindCreditGrant, Amount: 5, ReferenceID: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Apply(context.Background(), tc.op)
			assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
			assert.True(t, ledger.IsClientError(err))
		})
	}
	assert.Equal(t, int64(10), balances(t, e, "alice").Purchased)
}

func TestEngine_MissingAccount(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Apply(context.Background(), spend("nobody", 5, "x"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentDebits_ExactlySustainableSucceed(t *testing.T) {
	// GIVEN: An account with 100 coins
	// WHEN: 25 goroutines each spend 10 concurrently
	// THEN: Exactly 10 succeed, the rest fail with InsufficientFunds or
	//       Contention, and the balance ends at zero

	e, _ := newTestEngine(t, ledger.WithMaxRetries(1000))
	fund(t, e, "alice", 60, 40)

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		failures  atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Apply(context.Background(), spend("alice", 10, fmt.Sprintf("c-%d", i)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				failures.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), successes.Load())
	assert.Equal(t, int64(15), failures.Load())
	assert.Equal(t, ledger.Balances{}, balances(t, e, "alice"))

	entries, err := e.Log().Query(context.Background(), "alice", ledger.Filter{Kinds: []ledger.Kind{ledger.KindDebitSpend}})
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

// conflictingStore forces the first n CompareAndSwap calls to lose.
type conflictingStore struct {
	*store.Memory
	remaining atomic.Int64
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if c.remaining.Add(-1) >= 0 {
		return ledger.ErrConflict
	}
	return c.Memory.WithTx(ctx, fn)
}

func TestEngine_Contention_AfterRetriesExhausted(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictingStore{Memory: mem}
	e := ledger.NewEngine(cs, ledger.WithBackoff(0), ledger.WithMaxRetries(2))
	fund(t, e, "alice", 50, 0)

	cs.remaining.Store(3)
	_, err := e.Apply(context.Background(), spend("alice", 10, "busy"))
	assert.ErrorIs(t, err, ledger.ErrContention)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, int64(50), balances(t, e, "alice").Purchased)

	cs.remaining.Store(2)
	_, err = e.Apply(context.Background(), spend("alice", 10, "busy"))
	require.NoError(t, err, "succeeds on the last allowed attempt")
	assert.Equal(t, int64(40), balances(t, e, "alice").Purchased)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// creditFailingStore fails commits that would append a credit_earn.
type creditFailingStore struct {
	*store.Memory
	failCredits atomic.Bool
}

func (c *creditFailingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return c.Memory.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&creditFailingTx{Store: tx, parent: c})
	})
}

type creditFailingTx struct {
	ledger.Store
	parent *creditFailingStore
}

func (t *creditFailingTx) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	if t.parent.failCredits.Load() {
		for _, e := range entries {
			if e.Kind == ledger.KindCreditEarn {
				return errors.New("disk full")
			}
		}
	}
	return t.Store.AppendEntries(ctx, entries)
}

func TestEngine_CreditPending_SettledLater(t *testing.T) {
	// GIVEN: The credit side of a gift fails after the debit committed
	// WHEN: SettleTransfers runs
	// THEN: The debit is kept, the credit is applied once, and a second
	//       settlement does nothing

	cs := &creditFailingStore{Memory: store.NewMemory()}
	e := ledger.NewEngine(cs, ledger.WithBackoff(0))
	fund(t, e, "sender", 100, 0)
	fund(t, e, "streamer", 0, 0)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	cs.failCredits.Store(true)
	res, err := e.Execute(ctx, gift("sender", "streamer", 30, "gift-pending"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrCreditPending)
	require.Len(t, res.Entries, 1, "debit is returned even though the credit is pending")
	assert.Equal(t, int64(70), balances(t, e, "sender").Purchased)
	assert.Equal(t, int64(0), balances(t, e, "streamer").Purchased)

	cs.failCredits.Store(false)
	settled, err := e.SettleTransfers(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	b := balances(t, e, "streamer")
	assert.Equal(t, int64(30), b.Purchased)
	assert.Equal(t, int64(30), b.Earned)

	settled, err = e.SettleTransfers(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)
	assert.Equal(t, int64(30), balances(t, e, "streamer").Purchased)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestEngine_CancelledContext_StillCommits(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 50, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Apply(ctx, spend("alice", 20, "late"))
	require.NoError(t, err)
	assert.Equal(t, int64(30), balances(t, e, "alice").Purchased)
}
