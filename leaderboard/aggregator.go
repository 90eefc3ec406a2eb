/*
Package leaderboard maintains supporter rollups and ranks streamers.

PURPOSE:
  Two kinds of ranking back the leaderboard screens:
  - Supporters of one recipient: an incrementally maintained
    (gifter, recipient) rollup, updated after each committed gift.
  - Top streamers: a scan-and-aggregate over stream sessions started
    inside a time window. The window is a query parameter, so there
    is no maintained rollup for it.

DRIFT:
  The rollup is updated outside the ledger transaction and can drift
  when a post-commit update fails. Reconcile rebuilds it from the
  credit_earn entries in the transaction log, which are authoritative.

  Reconcile holds the aggregator's write lock from the log scan until the
  rollup is replaced, so RecordGift calls wait for it instead of being
  overwritten. Credits newer than recentCredits are remembered by
  reference; a RecordGift that was queued behind the rebuild for one of
  them is skipped because the rebuild already counted it.

SEE ALSO:
  - gifting/service.go: Calls RecordGift after a transfer commits
  - api/scheduler.go: Runs Reconcile nightly
*/
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/ledger"
)

var (
	// ErrInvalidQuery is returned for unknown periods, metrics or bad paging.
	ErrInvalidQuery = errors.New("invalid leaderboard query")

	// ErrStreamNotFound is returned when a stream session doesn't exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNotStreamOwner is returned when saving a session id that belongs
	// to another streamer.
	ErrNotStreamOwner = errors.New("stream belongs to another streamer")
)

// recentCredits bounds how far back Reconcile remembers the references
// it counted.
const recentCredits = 10 * time.Minute

// Store persists rollups and stream sessions.
type Store interface {
	IncrementPair(ctx context.Context, gifter, recipient ledger.AccountID, coins int64, at time.Time) error
	// TopPairs returns a recipient's rollups ordered by coins descending,
	// then by earliest last gift.
	TopPairs(ctx context.Context, recipient ledger.AccountID, limit int) ([]Entry, error)
	ListPairs(ctx context.Context) ([]Entry, error)
	// ReplacePairs swaps the whole rollup atomically.
	ReplacePairs(ctx context.Context, entries []Entry) error

	SaveStream(ctx context.Context, s StreamSession) error
	GetStream(ctx context.Context, id string) (StreamSession, error)
	AddStreamGifts(ctx context.Context, id string, coins int64) error
	StreamsStartedSince(ctx context.Context, since time.Time) ([]StreamSession, error)
}

// Aggregator answers ranking queries and keeps the rollup current.
type Aggregator struct {
	store Store
	log   *ledger.TransactionLog
	now   func() time.Time

	mu      sync.RWMutex
	counted map[string]struct{}
}

// NewAggregator creates an aggregator. The transaction log is the source
// of truth for Reconcile.
func NewAggregator(store Store, txLog *ledger.TransactionLog) *Aggregator {
	return &Aggregator{store: store, log: txLog, now: time.Now}
}

// SetClock overrides the time source for window calculations.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// =============================================================================
// SUPPORTERS
// =============================================================================

// RecordGift adds one gift to the (gifter, recipient) rollup. ref is the
// transfer's reference and may be empty.
func (a *Aggregator) RecordGift(ctx context.Context, ref string, gifter, recipient ledger.AccountID, amount int64, at time.Time) error {
	if gifter == "" || recipient == "" || amount <= 0 {
		return fmt.Errorf("%w: gift needs gifter, recipient and a positive amount", ErrInvalidQuery)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.counted[ref]; ok && ref != "" {
		log.WithField("reference", ref).Debug("Gift already counted by reconcile")
		return nil
	}
	if err := a.store.IncrementPair(ctx, gifter, recipient, amount, at.UTC()); err != nil {
		return fmt.Errorf("failed to record gift: %w", err)
	}
	return nil
}

// TopSupporters returns a recipient's biggest gifters.
func (a *Aggregator) TopSupporters(ctx context.Context, recipient ledger.AccountID, limit int) ([]Entry, error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidQuery)
	}
	limit = clampLimit(limit)
	entries, err := a.store.TopPairs(ctx, recipient, limit)
	if err != nil {
		return nil, err
	}
	sortSupporters(entries)
	return entries, nil
}

func sortSupporters(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalCoinsGifted != entries[j].TotalCoinsGifted {
			return entries[i].TotalCoinsGifted > entries[j].TotalCoinsGifted
		}
		return entries[i].LastGiftDate.Before(entries[j].LastGiftDate)
	})
}

// =============================================================================
// STREAMS
// =============================================================================

// RecordStream creates or updates a stream session.
func (a *Aggregator) RecordStream(ctx context.Context, s StreamSession) error {
	if s.ID == "" || s.StreamerID == "" {
		return fmt.Errorf("%w: stream needs an id and a streamer", ErrInvalidQuery)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = a.now()
	}
	s.StartedAt = s.StartedAt.UTC()
	if s.EndedAt != nil {
		ended := s.EndedAt.UTC()
		s.EndedAt = &ended
	}
	return a.store.SaveStream(ctx, s)
}

// Stream returns a stream session.
func (a *Aggregator) Stream(ctx context.Context, id string) (StreamSession, error) {
	return a.store.GetStream(ctx, id)
}

// AddStreamGifts adds gifted coins to a stream's total.
func (a *Aggregator) AddStreamGifts(ctx context.Context, streamID string, coins int64) error {
	return a.store.AddStreamGifts(ctx, streamID, coins)
}

// TopStreamers ranks streamers by a metric over streams started in the window.
func (a *Aggregator) TopStreamers(ctx context.Context, q Query) ([]StreamerRank, error) {
	if q.Period == "" {
		q.Period = PeriodDaily
	}
	if q.Metric == "" {
		q.Metric = MetricGifts
	}
	if _, err := ParsePeriod(string(q.Period)); err != nil {
		return nil, err
	}
	if _, err := ParseMetric(string(q.Metric)); err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	q.Limit = clampLimit(q.Limit)

	since := a.now().Add(-q.Period.Window())
	sessions, err := a.store.StreamsStartedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load streams: %w", err)
	}

	ranks := aggregateStreams(sessions, q.Metric)
	if q.Offset >= len(ranks) {
		return []StreamerRank{}, nil
	}
	end := min(q.Offset+q.Limit, len(ranks))
	return ranks[q.Offset:end], nil
}

func aggregateStreams(sessions []StreamSession, metric Metric) []StreamerRank {
	byStreamer := make(map[ledger.AccountID]*StreamerRank)
	for _, s := range sessions {
		r, ok := byStreamer[s.StreamerID]
		if !ok {
			r = &StreamerRank{StreamerID: s.StreamerID}
			byStreamer[s.StreamerID] = r
		}
		if s.StreamerName != "" {
			r.StreamerName = s.StreamerName
		}
		r.Streams++
		switch metric {
		case MetricGifts:
			r.Value += s.TotalGifts
		case MetricViewers:
			r.Value += s.ViewerCount
		case MetricDuration:
			r.Value += s.DurationMinutes()
		case MetricPoints:
			r.Value += s.TrollPoints
		}
	}

	ranks := make([]StreamerRank, 0, len(byStreamer))
	for _, r := range byStreamer {
		ranks = append(ranks, *r)
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Value != ranks[j].Value {
			return ranks[i].Value > ranks[j].Value
		}
		return ranks[i].StreamerID < ranks[j].StreamerID
	})
	for i := range ranks {
		ranks[i].Rank = i + 1
	}
	return ranks
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile rebuilds the supporter rollup from the transaction log.
func (a *Aggregator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-recentCredits)
	counted := make(map[string]struct{})
	credits, err := a.log.Since(ctx, ledger.KindCreditEarn, time.Time{})
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to scan credits: %w", err)
	}

	rebuilt := make(map[PairKey]*Entry)
	for _, c := range credits {
		if c.Counterparty == "" || !isSupport(c.Reason) {
			continue
		}
		k := PairKey{GifterID: c.Counterparty, RecipientID: c.AccountID}
		e, ok := rebuilt[k]
		if !ok {
			e = &Entry{GifterID: k.GifterID, RecipientID: k.RecipientID}
			rebuilt[k] = e
		}
		e.TotalCoinsGifted += c.Delta
		e.TotalGiftsSent++
		if !c.Timestamp.Before(cutoff) {
			counted[c.ReferenceID] = struct{}{}
		}
		if c.Timestamp.After(e.LastGiftDate) {
			e.LastGiftDate = c.Timestamp.UTC()
		}
	}

	current, err := a.store.ListPairs(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to load rollup: %w", err)
	}
	existing := make(map[PairKey]Entry, len(current))
	for _, e := range current {
		existing[e.Key()] = e
	}

	report := ReconcileReport{PairsScanned: len(rebuilt)}
	entries := make([]Entry, 0, len(rebuilt))
	for k, e := range rebuilt {
		entries = append(entries, *e)
		old, ok := existing[k]
		if !ok || old.TotalCoinsGifted != e.TotalCoinsGifted || old.TotalGiftsSent != e.TotalGiftsSent {
			report.PairsChanged++
			report.CoinsCorrected += abs(e.TotalCoinsGifted - old.TotalCoinsGifted)
		}
		delete(existing, k)
	}
	// Rows with no backing credits at all
	for _, old := range existing {
		report.PairsChanged++
		report.CoinsCorrected += abs(old.TotalCoinsGifted)
	}

	if err := a.store.ReplacePairs(ctx, entries); err != nil {
		return report, fmt.Errorf("failed to replace rollup: %w", err)
	}
	a.counted = counted

	log.WithFields(log.Fields{
		"pairs":     report.PairsScanned,
		"changed":   report.PairsChanged,
		"corrected": report.CoinsCorrected,
	}).Info("Leaderboard reconciled")
	return report, nil
}

func isSupport(r ledger.Reason) bool {
	for _, s := range ledger.SupportReasons {
		if s == r {
			return true
		}
	}
	return false
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
