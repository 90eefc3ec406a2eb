package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/rewards"
	"github.com/streamcity/coin-engine/store/sqlite"
	"github.com/streamcity/coin-engine/subscription"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// LEDGER
// =============================================================================

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	acct, err := store.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Version)

	again, err := store.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, acct.Version, again.Version, "create is idempotent")

	// GIVEN: A fresh account at version 0
	// WHEN: Swapping at version 0
	// THEN: The write lands and the version moves
	updated, err := store.CompareAndSwap(ctx, "alice", 0, ledger.Balances{Purchased: 10, Free: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, int64(15), updated.Total())

	// WHEN: Swapping with a stale version
	// THEN: Conflict, balances untouched
	_, err = store.CompareAndSwap(ctx, "alice", 0, ledger.Balances{Purchased: 99})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	_, err = store.CompareAndSwap(ctx, "nobody", 0, ledger.Balances{})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = store.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestAppendEntries_UniqueReferenceKind(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	entry := ledger.Entry{
		ID: "e1", Timestamp: t0, AccountID: "alice", Kind: ledger.KindPurchase,
		ReferenceID: "sq_txn_001", Delta: 100, PurchasedDelta: 100,
		ResultingBalance: 100, ResultingPurchased: 100, RealValue: true,
		Metadata: map[string]string{"package_id": "coins_500"},
	}
	require.NoError(t, store.AppendEntries(ctx, []ledger.Entry{entry}))

	dup := entry
	dup.ID = "e2"
	err := store.AppendEntries(ctx, []ledger.Entry{dup})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	got, err := store.EntriesByReference(ctx, "sq_txn_001")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.True(t, got[0].RealValue)
	assert.Equal(t, "coins_500", got[0].Metadata["package_id"])
	assert.True(t, t0.Equal(got[0].Timestamp))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.CreateAccount(ctx, "alice")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.CompareAndSwap(ctx, "alice", 0, ledger.Balances{Free: 50}); err != nil {
			return err
		}
		return ledger.ErrDuplicateReference
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	acct, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Total())
	assert.Equal(t, int64(0), acct.Version)
}

func TestEngineOnSQLite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clock := t0
	engine := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return clock }))

	for _, id := range []ledger.AccountID{"viewer", "streamer"} {
		_, err := engine.OpenAccount(ctx, id)
		require.NoError(t, err)
	}

	_, err := engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 1370, Dest: "viewer",
		Reason: ledger.ReasonCoinPurchase, ReferenceID: "sq_txn_001",
	})
	require.NoError(t, err)

	// GIVEN: A purchase already recorded
	// WHEN: The webhook is delivered again
	// THEN: Replayed, balance unchanged
	res, err := engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindPurchase, Amount: 1370, Dest: "viewer",
		Reason: ledger.ReasonCoinPurchase, ReferenceID: "sq_txn_001",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	clock = clock.Add(time.Minute)
	res, err = engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindDebitSpend, Amount: 500, Source: "viewer", Dest: "streamer",
		Reason: ledger.ReasonGift, ReferenceID: "gift-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.True(t, res.Split.RealValue())

	viewer, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(870), viewer.Purchased)

	streamer, err := engine.Account(ctx, "streamer")
	require.NoError(t, err)
	assert.Equal(t, int64(500), streamer.Purchased, "real-value gift credits purchased coins")
	assert.Equal(t, int64(500), streamer.Earned)

	history, err := engine.Log().Query(ctx, "viewer", ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.KindDebitSpend, history[0].Kind, "newest first")

	history, err = engine.Log().Query(ctx, "viewer", ledger.Filter{
		Kinds: []ledger.Kind{ledger.KindPurchase}, Order: ledger.OrderAsc,
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1370), history[0].ResultingBalance)

	earns, err := store.EntriesSince(ctx, ledger.KindCreditEarn, t0)
	require.NoError(t, err)
	require.Len(t, earns, 1)
	assert.Equal(t, ledger.AccountID("viewer"), earns[0].Counterparty)
}

func TestEngineOnSQLite_ConcurrentSpends(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := ledger.NewEngine(store, ledger.WithMaxRetries(1000), ledger.WithBackoff(0))

	_, err := engine.OpenAccount(ctx, "viewer")
	require.NoError(t, err)
	_, err = engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindCreditGrant, Amount: 100, Dest: "viewer",
		Reason: ledger.ReasonAdminGrant, ReferenceID: "seed",
	})
	require.NoError(t, err)

	// GIVEN: 100 coins
	// WHEN: 20 concurrent spends of 10
	// THEN: Exactly 10 succeed, balance ends at zero
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Execute(ctx, ledger.Operation{
				Kind: ledger.KindDebitSpend, Amount: 10, Source: "viewer",
				Reason: ledger.ReasonEntranceEffect, ReferenceID: fmt.Sprintf("spend-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	acct, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Total())
}

// =============================================================================
// LEADERBOARD
// =============================================================================

func TestLeaderboardPairs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.IncrementPair(ctx, "a", "streamer", 100, t0))
	require.NoError(t, store.IncrementPair(ctx, "b", "streamer", 300, t0.Add(time.Minute)))
	require.NoError(t, store.IncrementPair(ctx, "a", "streamer", 200, t0.Add(2*time.Minute)))
	require.NoError(t, store.IncrementPair(ctx, "a", "other", 50, t0))

	top, err := store.TopPairs(ctx, "streamer", 10)
	require.NoError(t, err)
	require.Len(t, top, 2)

	// Tied at 300: the earlier last gift ranks first
	assert.Equal(t, ledger.AccountID("b"), top[0].GifterID)
	assert.Equal(t, ledger.AccountID("a"), top[1].GifterID)
	assert.Equal(t, int64(300), top[1].TotalCoinsGifted)
	assert.Equal(t, int64(2), top[1].TotalGiftsSent)
	assert.True(t, t0.Add(2*time.Minute).Equal(top[1].LastGiftDate))

	require.NoError(t, store.ReplacePairs(ctx, []leaderboard.Entry{
		{GifterID: "c", RecipientID: "streamer", TotalCoinsGifted: 10, TotalGiftsSent: 1, LastGiftDate: t0},
	}))
	all, err := store.ListPairs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ledger.AccountID("c"), all[0].GifterID)
}

func TestStreamSessions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	end := t0.Add(90 * time.Minute)
	require.NoError(t, store.SaveStream(ctx, leaderboard.StreamSession{
		ID: "s1", StreamerID: "streamer", StreamerName: "Streamer", Title: "Live",
		StartedAt: t0, EndedAt: &end, ViewerCount: 42,
	}))
	require.NoError(t, store.AddStreamGifts(ctx, "s1", 500))

	// Re-saving the session keeps the gift total
	require.NoError(t, store.SaveStream(ctx, leaderboard.StreamSession{
		ID: "s1", StreamerID: "streamer", StreamerName: "Streamer", Title: "Live again",
		StartedAt: t0, EndedAt: &end, ViewerCount: 50,
	}))

	st, err := store.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), st.TotalGifts)
	assert.Equal(t, int64(50), st.ViewerCount)
	require.NotNil(t, st.EndedAt)
	assert.Equal(t, int64(90), st.DurationMinutes())

	// Another streamer cannot take over the session id
	err = store.SaveStream(ctx, leaderboard.StreamSession{
		ID: "s1", StreamerID: "mallory", StreamerName: "Mallory", Title: "Mine now",
		StartedAt: t0, ViewerCount: 0,
	})
	assert.ErrorIs(t, err, leaderboard.ErrNotStreamOwner)
	st, err = store.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("streamer"), st.StreamerID)
	assert.Equal(t, int64(50), st.ViewerCount)
	assert.Equal(t, "Live again", st.Title)

	_, err = store.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, leaderboard.ErrStreamNotFound)
	assert.ErrorIs(t, store.AddStreamGifts(ctx, "missing", 1), leaderboard.ErrStreamNotFound)

	recent, err := store.StreamsStartedSince(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	none, err := store.StreamsStartedSince(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestTiersAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tier := subscription.Tier{
		ID: "tier-1", StreamerID: "streamer", Name: "Fan", Level: 1, PriceCoins: 499,
		PriceUSD: decimal.RequireFromString("4.99"), Benefits: []string{"badge", "emotes"},
		Active: true, CreatedAt: t0,
	}
	require.NoError(t, store.SaveTier(ctx, tier))
	require.NoError(t, store.AdjustSubscriberCount(ctx, "tier-1", 1))
	require.NoError(t, store.AdjustSubscriberCount(ctx, "tier-1", -5))

	got, err := store.GetTier(ctx, "tier-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.SubscriberCount, "count never goes negative")
	assert.True(t, got.PriceUSD.Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, []string{"badge", "emotes"}, got.Benefits)
	assert.True(t, got.Active)

	_, err = store.GetTier(ctx, "missing")
	assert.ErrorIs(t, err, subscription.ErrTierNotFound)

	sub := subscription.Subscription{
		ID: "sub-1", SubscriberID: "viewer", StreamerID: "streamer", TierID: "tier-1",
		Status: subscription.StatusActive, StartDate: t0, EndDate: t0.Add(subscription.Period),
		AutoRenew: true, Cycle: 1, PricePaid: 499, UpdatedAt: t0,
	}
	require.NoError(t, store.SaveSubscription(ctx, sub))

	active, err := store.ActiveSubscription(ctx, "viewer", "streamer")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", active.ID)
	assert.True(t, active.AutoRenew)

	due, err := store.DueSubscriptions(ctx, t0.Add(subscription.Period-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = store.DueSubscriptions(ctx, t0.Add(subscription.Period))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	sub.Status = subscription.StatusCancelled
	require.NoError(t, store.SaveSubscription(ctx, sub))
	_, err = store.ActiveSubscription(ctx, "viewer", "streamer")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	list, err := store.ListSubscriptions(ctx, "viewer")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, subscription.StatusCancelled, list[0].Status)
}

// =============================================================================
// REWARDS
// =============================================================================

func TestDailyClaims(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, ok, err := store.LastClaim(ctx, "viewer")
	require.NoError(t, err)
	assert.False(t, ok)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveClaim(ctx, rewards.Claim{UserID: "viewer", DayNumber: 1, StreakCount: 1, CoinsEarned: 10, ClaimDate: day}))
	require.NoError(t, store.SaveClaim(ctx, rewards.Claim{UserID: "viewer", DayNumber: 2, StreakCount: 2, CoinsEarned: 20, ClaimDate: day.AddDate(0, 0, 1)}))

	last, ok, err := store.LastClaim(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, last.StreakCount)
	assert.True(t, day.AddDate(0, 0, 1).Equal(last.ClaimDate))
}

func TestCoinRequests(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	req := rewards.CoinRequest{
		ID: "r1", UserID: "viewer", Message: "please", RequestedAmount: 500,
		Status: rewards.RequestPending, CreatedAt: t0,
	}
	require.NoError(t, store.SaveCoinRequest(ctx, req))
	require.NoError(t, store.SaveCoinRequest(ctx, rewards.CoinRequest{
		ID: "r2", UserID: "other", Message: "me too", RequestedAmount: 100,
		Status: rewards.RequestPending, CreatedAt: t0.Add(time.Minute),
	}))

	processed := t0.Add(time.Hour)
	req.Status = rewards.RequestApproved
	req.ApprovedAmount = 300
	req.CoinType = rewards.CoinsFree
	req.ProcessedBy = "admin"
	req.ProcessedAt = &processed
	require.NoError(t, store.SaveCoinRequest(ctx, req))

	got, err := store.GetCoinRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rewards.RequestApproved, got.Status)
	assert.Equal(t, int64(300), got.ApprovedAmount)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, processed.Equal(*got.ProcessedAt))

	pending, err := store.ListCoinRequests(ctx, "", rewards.RequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].ID)

	mine, err := store.ListCoinRequests(ctx, "viewer", "")
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, err := store.ListCoinRequests(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.GetCoinRequest(ctx, "missing")
	assert.ErrorIs(t, err, rewards.ErrRequestNotFound)
}
