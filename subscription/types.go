package subscription

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamcity/coin-engine/ledger"
)

// Period is the length of one paid subscription cycle.
const Period = 30 * 24 * time.Hour

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var (
	ErrTierNotFound         = errors.New("subscription tier not found")
	ErrTierInactive         = errors.New("subscription tier is not active")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadySubscribed    = errors.New("already subscribed to this streamer")
	ErrSelfSubscription     = errors.New("cannot subscribe to yourself")
	ErrNotActive            = errors.New("subscription is not active")
	ErrNotOwner             = errors.New("subscription belongs to another user")
	ErrInvalidTier          = errors.New("invalid subscription tier")
)

// Tier is a streamer's subscription offering.
type Tier struct {
	ID              string           `json:"id"`
	StreamerID      ledger.AccountID `json:"streamer_id"`
	Name            string           `json:"name"`
	Level           int              `json:"level"`
	PriceCoins      int64            `json:"price_coins"`
	PriceUSD        decimal.Decimal  `json:"price_usd"`
	BadgeEmoji      string           `json:"badge_emoji,omitempty"`
	Benefits        []string         `json:"benefits,omitempty"`
	Active          bool             `json:"active"`
	SubscriberCount int64            `json:"subscriber_count"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Subscription is one user's subscription to a streamer.
type Subscription struct {
	ID           string           `json:"id"`
	SubscriberID ledger.AccountID `json:"subscriber_id"`
	StreamerID   ledger.AccountID `json:"streamer_id"`
	TierID       string           `json:"tier_id"`
	Status       Status           `json:"status"`
	StartDate    time.Time        `json:"start_date"`
	EndDate      time.Time        `json:"end_date"`
	AutoRenew    bool             `json:"auto_renew"`
	// Cycle counts paid periods, starting at 1.
	Cycle     int       `json:"cycle"`
	PricePaid int64     `json:"price_paid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the current period has ended.
func (s Subscription) Due(now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.EndDate)
}

// SweepReport summarises one expiry sweep.
type SweepReport struct {
	Renewed int `json:"renewed"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}
