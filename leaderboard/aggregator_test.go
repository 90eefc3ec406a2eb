package leaderboard_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/store/sqlite"
)

var now = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*leaderboard.Aggregator, *ledger.Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return now }))
	agg := leaderboard.NewAggregator(store, engine.Log())
	agg.SetClock(func() time.Time { return now })
	return agg, engine, store
}

func TestTopSupporters_OrderAndTies(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := setup(t)

	// GIVEN: Three gifters, two tied on coins
	require.NoError(t, agg.RecordGift(ctx, "r1", "carol", "streamer", 300, now.Add(-time.Hour)))
	require.NoError(t, agg.RecordGift(ctx, "r2", "alice", "streamer", 100, now.Add(-3*time.Hour)))
	require.NoError(t, agg.RecordGift(ctx, "r3", "alice", "streamer", 200, now.Add(-2*time.Hour)))
	require.NoError(t, agg.RecordGift(ctx, "r4", "bob", "streamer", 50, now))

	// WHEN: Reading the top supporters
	top, err := agg.TopSupporters(ctx, "streamer", 10)
	require.NoError(t, err)

	// THEN: Coins descending, ties broken by the earlier last gift
	require.Len(t, top, 3)
	assert.Equal(t, ledger.AccountID("alice"), top[0].GifterID)
	assert.Equal(t, ledger.AccountID("carol"), top[1].GifterID)
	assert.Equal(t, ledger.AccountID("bob"), top[2].GifterID)
	assert.Equal(t, int64(2), top[0].TotalGiftsSent)

	top, err = agg.TopSupporters(ctx, "streamer", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestRecordGift_Rejects(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := setup(t)

	assert.ErrorIs(t, agg.RecordGift(ctx, "r5", "", "streamer", 10, now), leaderboard.ErrInvalidQuery)
	assert.ErrorIs(t, agg.RecordGift(ctx, "r6", "a", "streamer", 0, now), leaderboard.ErrInvalidQuery)
	_, err := agg.TopSupporters(ctx, "", 10)
	assert.ErrorIs(t, err, leaderboard.ErrInvalidQuery)
}

func TestTopStreamers(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := setup(t)

	sessions := []leaderboard.StreamSession{
		{ID: "s1", StreamerID: "luna", StreamerName: "Luna", StartedAt: now.Add(-2 * time.Hour), ViewerCount: 100, TrollPoints: 5},
		{ID: "s2", StreamerID: "luna", StreamerName: "Luna", StartedAt: now.Add(-5 * time.Hour), ViewerCount: 40},
		{ID: "s3", StreamerID: "max", StreamerName: "Max", StartedAt: now.Add(-time.Hour), ViewerCount: 120},
		{ID: "s4", StreamerID: "old", StreamerName: "Old", StartedAt: now.Add(-10 * 24 * time.Hour), ViewerCount: 9999},
	}
	for _, s := range sessions {
		require.NoError(t, agg.RecordStream(ctx, s))
	}
	require.NoError(t, agg.AddStreamGifts(ctx, "s1", 500))
	require.NoError(t, agg.AddStreamGifts(ctx, "s3", 500))
	require.NoError(t, agg.AddStreamGifts(ctx, "s4", 100000))

	// GIVEN: Gifts tied at 500 in the last day
	// WHEN: Ranking by gifts over the daily window
	// THEN: Ties broken by streamer id, old streams excluded
	ranks, err := agg.TopStreamers(ctx, leaderboard.Query{})
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, ledger.AccountID("luna"), ranks[0].StreamerID)
	assert.Equal(t, 1, ranks[0].Rank)
	assert.Equal(t, 2, ranks[0].Streams)
	assert.Equal(t, ledger.AccountID("max"), ranks[1].StreamerID)

	ranks, err = agg.TopStreamers(ctx, leaderboard.Query{Metric: leaderboard.MetricViewers})
	require.NoError(t, err)
	assert.Equal(t, int64(140), ranks[0].Value)
	assert.Equal(t, ledger.AccountID("luna"), ranks[0].StreamerID)

	ranks, err = agg.TopStreamers(ctx, leaderboard.Query{Period: leaderboard.PeriodMonthly, Metric: leaderboard.MetricViewers})
	require.NoError(t, err)
	require.Len(t, ranks, 3)
	assert.Equal(t, ledger.AccountID("old"), ranks[0].StreamerID)

	ranks, err = agg.TopStreamers(ctx, leaderboard.Query{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, 2, ranks[0].Rank)

	ranks, err = agg.TopStreamers(ctx, leaderboard.Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, ranks)

	_, err = agg.TopStreamers(ctx, leaderboard.Query{Period: "yearly"})
	assert.ErrorIs(t, err, leaderboard.ErrInvalidQuery)
	_, err = agg.TopStreamers(ctx, leaderboard.Query{Offset: -1})
	assert.ErrorIs(t, err, leaderboard.ErrInvalidQuery)
}

func TestReconcile_RebuildsFromLedger(t *testing.T) {
	ctx := context.Background()
	agg, engine, store := setup(t)

	for _, id := range []ledger.AccountID{"alice", "bob", "streamer"} {
		_, err := engine.OpenAccount(ctx, id)
		require.NoError(t, err)
	}
	_, err := engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindCreditGrant, Amount: 1000, Dest: "alice",
		Reason: ledger.ReasonAdminGrant, ReferenceID: "seed-alice",
	})
	require.NoError(t, err)
	_, err = engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindCreditGrant, Amount: 1000, Dest: "bob",
		Reason: ledger.ReasonAdminGrant, ReferenceID: "seed-bob",
	})
	require.NoError(t, err)

	for i, g := range []struct {
		from   ledger.AccountID
		amount int64
		reason ledger.Reason
	}{
		{"alice", 100, ledger.ReasonGift},
		{"alice", 50, ledger.ReasonTip},
		{"bob", 70, ledger.ReasonPostGift},
		{"bob", 30, ledger.ReasonSubscription},
	} {
		_, err := engine.Execute(ctx, ledger.Operation{
			Kind: ledger.KindDebitSpend, Amount: g.amount, Source: g.from, Dest: "streamer",
			Reason: g.reason, ReferenceID: fmt.Sprintf("support-%d", i),
		})
		require.NoError(t, err)
	}

	// GIVEN: A rollup that missed one gift and carries a stray row
	require.NoError(t, agg.RecordGift(ctx, "r7", "alice", "streamer", 100, now))
	require.NoError(t, agg.RecordGift(ctx, "r8", "ghost", "streamer", 999, now))

	// WHEN: Reconciling
	report, err := agg.Reconcile(ctx)
	require.NoError(t, err)

	// THEN: Pairs match the support credits in the ledger; subscriptions don't count
	assert.Equal(t, 2, report.PairsScanned)
	assert.Equal(t, 3, report.PairsChanged)
	assert.Equal(t, int64(50+70+999), report.CoinsCorrected)

	top, err := agg.TopSupporters(ctx, "streamer", 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, ledger.AccountID("alice"), top[0].GifterID)
	assert.Equal(t, int64(150), top[0].TotalCoinsGifted)
	assert.Equal(t, int64(2), top[0].TotalGiftsSent)
	assert.Equal(t, int64(70), top[1].TotalCoinsGifted)

	pairs, err := store.ListPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	// Running again is a no-op
	report, err = agg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PairsChanged)
}

// slowListStore commits a gift while Reconcile is between its log scan and
// the rollup swap.
type slowListStore struct {
	*sqlite.Store
	during func()
}

func (s *slowListStore) ListPairs(ctx context.Context) ([]leaderboard.Entry, error) {
	if s.during != nil {
		s.during()
		s.during = nil
	}
	return s.Store.ListPairs(ctx)
}

func fundAndGift(t *testing.T, engine *ledger.Engine, from ledger.AccountID, amount int64, ref string) {
	t.Helper()
	ctx := context.Background()
	_, err := engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindCreditGrant, Amount: amount, Dest: from,
		Reason: ledger.ReasonAdminGrant, ReferenceID: "seed-" + ref,
	})
	require.NoError(t, err)
	_, err = engine.Execute(ctx, ledger.Operation{
		Kind: ledger.KindDebitSpend, Amount: amount, Source: from, Dest: "streamer",
		Reason: ledger.ReasonGift, ReferenceID: ref,
	})
	require.NoError(t, err)
}

func TestReconcile_GiftDuringRebuildIsKept(t *testing.T) {
	ctx := context.Background()
	_, engine, store := setup(t)
	for _, id := range []ledger.AccountID{"alice", "bob", "streamer"} {
		_, err := engine.OpenAccount(ctx, id)
		require.NoError(t, err)
	}

	wrapped := &slowListStore{Store: store}
	agg := leaderboard.NewAggregator(wrapped, engine.Log())
	agg.SetClock(func() time.Time { return now })

	fundAndGift(t, engine, "alice", 100, "gift-1")
	require.NoError(t, agg.RecordGift(ctx, "gift-1", "alice", "streamer", 100, now))

	// GIVEN: A gift that commits after the log scan, with its rollup
	// update racing the rebuild
	done := make(chan error, 1)
	wrapped.during = func() {
		fundAndGift(t, engine, "bob", 40, "gift-2")
		go func() { done <- agg.RecordGift(ctx, "gift-2", "bob", "streamer", 40, now) }()
		time.Sleep(50 * time.Millisecond)
	}

	// WHEN: Reconciling
	_, err := agg.Reconcile(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	// THEN: The racing update lands after the swap instead of being overwritten
	top, err := agg.TopSupporters(ctx, "streamer", 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(100), top[0].TotalCoinsGifted)
	assert.Equal(t, ledger.AccountID("bob"), top[1].GifterID)
	assert.Equal(t, int64(40), top[1].TotalCoinsGifted)
	assert.Equal(t, int64(1), top[1].TotalGiftsSent)
}

func TestReconcile_LateUpdateForCountedGiftIsSkipped(t *testing.T) {
	ctx := context.Background()
	agg, engine, _ := setup(t)
	for _, id := range []ledger.AccountID{"alice", "streamer"} {
		_, err := engine.OpenAccount(ctx, id)
		require.NoError(t, err)
	}

	// GIVEN: A committed gift whose rollup update hasn't run yet
	fundAndGift(t, engine, "alice", 100, "gift-1")

	// WHEN: Reconcile counts it first and the update arrives afterwards
	_, err := agg.Reconcile(ctx)
	require.NoError(t, err)
	require.NoError(t, agg.RecordGift(ctx, "gift-1", "alice", "streamer", 100, now))

	// THEN: The gift is counted once
	top, err := agg.TopSupporters(ctx, "streamer", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(100), top[0].TotalCoinsGifted)
	assert.Equal(t, int64(1), top[0].TotalGiftsSent)

	// Gifts the rebuild never saw still count
	require.NoError(t, agg.RecordGift(ctx, "gift-2", "alice", "streamer", 25, now))
	top, err = agg.TopSupporters(ctx, "streamer", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(125), top[0].TotalCoinsGifted)
}

func TestParsePeriodAndMetric(t *testing.T) {
	p, err := leaderboard.ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, leaderboard.PeriodDaily, p)
	assert.Equal(t, 7*24*time.Hour, leaderboard.PeriodWeekly.Window())

	m, err := leaderboard.ParseMetric("duration")
	require.NoError(t, err)
	assert.Equal(t, leaderboard.MetricDuration, m)

	_, err = leaderboard.ParseMetric("likes")
	assert.ErrorIs(t, err, leaderboard.ErrInvalidQuery)
}
