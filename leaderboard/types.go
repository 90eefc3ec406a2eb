package leaderboard

import (
	"fmt"
	"time"

	"github.com/streamcity/coin-engine/ledger"
)

// =============================================================================
// SUPPORTER ROLLUP
// =============================================================================

// Entry is the running total of what one gifter gave one recipient.
type Entry struct {
	GifterID         ledger.AccountID `json:"gifter_id"`
	RecipientID      ledger.AccountID `json:"recipient_id"`
	TotalCoinsGifted int64            `json:"total_coins_gifted"`
	TotalGiftsSent   int64            `json:"total_gifts_sent"`
	LastGiftDate     time.Time        `json:"last_gift_date"`
}

// PairKey identifies a rollup row.
type PairKey struct {
	GifterID    ledger.AccountID
	RecipientID ledger.AccountID
}

// Key returns the entry's pair key.
func (e Entry) Key() PairKey {
	return PairKey{GifterID: e.GifterID, RecipientID: e.RecipientID}
}

// =============================================================================
// STREAM SESSIONS
// =============================================================================

// StreamSession is one broadcast. Top-streamer rankings aggregate these.
type StreamSession struct {
	ID           string           `json:"id"`
	StreamerID   ledger.AccountID `json:"streamer_id"`
	StreamerName string           `json:"streamer_name"`
	Title        string           `json:"title"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	ViewerCount  int64            `json:"viewer_count"`
	Likes        int64            `json:"likes"`
	TrollPoints  int64            `json:"troll_points"`
	TotalGifts   int64            `json:"total_gifts"`
}

// DurationMinutes returns the length of an ended stream, 0 if still live.
func (s StreamSession) DurationMinutes() int64 {
	if s.EndedAt == nil || s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return int64(s.EndedAt.Sub(s.StartedAt) / time.Minute)
}

// =============================================================================
// RANKING PARAMETERS
// =============================================================================

// Period is the time window for top-streamer rankings.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Window returns the length of the period.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ParsePeriod validates a period name. Empty means daily.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodDaily, nil
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return Period(s), nil
	}
	return "", fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, s)
}

// Metric is what top-streamer rankings sort by.
type Metric string

const (
	MetricGifts    Metric = "gifts"
	MetricViewers  Metric = "viewers"
	MetricDuration Metric = "duration"
	MetricPoints   Metric = "points"
)

// ParseMetric validates a metric name. Empty means gifts.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "":
		return MetricGifts, nil
	case MetricGifts, MetricViewers, MetricDuration, MetricPoints:
		return Metric(s), nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, s)
}

// Query selects a top-streamer ranking page.
type Query struct {
	Period Period
	Metric Metric
	Limit  int
	Offset int
}

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// StreamerRank is one row of a top-streamer ranking.
type StreamerRank struct {
	Rank         int              `json:"rank"`
	StreamerID   ledger.AccountID `json:"streamer_id"`
	StreamerName string           `json:"streamer_name"`
	Value        int64            `json:"value"`
	Streams      int              `json:"streams"`
}

// ReconcileReport describes what a reconciliation corrected.
type ReconcileReport struct {
	PairsScanned   int   `json:"pairs_scanned"`
	PairsChanged   int   `json:"pairs_changed"`
	CoinsCorrected int64 `json:"coins_corrected"`
}
