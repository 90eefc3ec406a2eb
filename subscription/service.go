/*
Package subscription implements streamer subscription tiers and the
subscription lifecycle.

LIFECYCLE:
  active -> expired    period ended without renewal, or renewal failed
  active -> cancelled  subscriber cancelled

  Each period lasts 30 days. When a period ends and auto-renew is on, the
  sweep charges the next period through the ledger. The charge reference
  is "<subscription id>:cycle:<n>" so a sweep that crashes half way and
  runs again never charges the same cycle twice.

PAYMENT:
  Subscribing is a transfer from subscriber to streamer. Whether the
  streamer earns real value follows the same rule as gifts.

SEE ALSO:
  - ledger/engine.go: Executes the charges
  - api/scheduler.go: Runs Sweep periodically
*/
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
)

// Store persists tiers and subscriptions.
type Store interface {
	SaveTier(ctx context.Context, t Tier) error
	GetTier(ctx context.Context, id string) (Tier, error)
	ListTiers(ctx context.Context, streamer ledger.AccountID) ([]Tier, error)
	AdjustSubscriberCount(ctx context.Context, tierID string, delta int64) error

	SaveSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	// ActiveSubscription returns ErrSubscriptionNotFound if none is active.
	ActiveSubscription(ctx context.Context, subscriber, streamer ledger.AccountID) (Subscription, error)
	ListSubscriptions(ctx context.Context, subscriber ledger.AccountID) ([]Subscription, error)
	DueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
}

// Service runs subscription operations.
type Service struct {
	store    Store
	engine   *ledger.Engine
	notifier notify.Dispatcher
	now      func() time.Time
}

// NewService creates a subscription service.
func NewService(store Store, engine *ledger.Engine, notifier notify.Dispatcher) *Service {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{store: store, engine: engine, notifier: notifier, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// TIERS
// =============================================================================

// CreateTier adds a tier for a streamer.
func (s *Service) CreateTier(ctx context.Context, t Tier) (Tier, error) {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.StreamerID == "":
		return Tier{}, fmt.Errorf("%w: streamer is required", ErrInvalidTier)
	case t.Name == "":
		return Tier{}, fmt.Errorf("%w: name is required", ErrInvalidTier)
	case t.PriceCoins <= 0:
		return Tier{}, fmt.Errorf("%w: price must be positive", ErrInvalidTier)
	case t.PriceUSD.IsNegative():
		return Tier{}, fmt.Errorf("%w: usd price must not be negative", ErrInvalidTier)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Level <= 0 {
		t.Level = 1
	}
	t.Active = true
	t.SubscriberCount = 0
	t.CreatedAt = s.now().UTC()

	if err := s.store.SaveTier(ctx, t); err != nil {
		return Tier{}, fmt.Errorf("failed to save tier: %w", err)
	}
	return t, nil
}

// ListTiers returns a streamer's tiers.
func (s *Service) ListTiers(ctx context.Context, streamer ledger.AccountID) ([]Tier, error) {
	return s.store.ListTiers(ctx, streamer)
}

// =============================================================================
// SUBSCRIBE / CANCEL
// =============================================================================

// SubscribeRequest asks to subscribe to a tier. SubscriptionID, when set,
// makes the request idempotent.
type SubscribeRequest struct {
	SubscriberID   ledger.AccountID
	TierID         string
	SubscriptionID string
	AutoRenew      *bool
}

// Subscribe charges the first period and activates the subscription.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	if req.SubscriptionID != "" {
		if existing, err := s.store.GetSubscription(ctx, req.SubscriptionID); err == nil {
			if existing.SubscriberID != req.SubscriberID {
				return Subscription{}, ErrNotOwner
			}
			return existing, nil
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return Subscription{}, err
		}
	}

	tier, err := s.store.GetTier(ctx, req.TierID)
	if err != nil {
		return Subscription{}, err
	}
	if !tier.Active {
		return Subscription{}, ErrTierInactive
	}
	if tier.StreamerID == req.SubscriberID {
		return Subscription{}, ErrSelfSubscription
	}
	if _, err := s.store.ActiveSubscription(ctx, req.SubscriberID, tier.StreamerID); err == nil {
		return Subscription{}, ErrAlreadySubscribed
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return Subscription{}, err
	}

	sub := Subscription{
		ID:           req.SubscriptionID,
		SubscriberID: req.SubscriberID,
		StreamerID:   tier.StreamerID,
		TierID:       tier.ID,
		Status:       StatusActive,
		AutoRenew:    true,
		Cycle:        1,
		PricePaid:    tier.PriceCoins,
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if req.AutoRenew != nil {
		sub.AutoRenew = *req.AutoRenew
	}

	_, err = s.engine.Execute(ctx, s.charge(sub, tier, ledger.ReasonSubscription))
	if err != nil && !errors.Is(err, ledger.ErrCreditPending) {
		return Subscription{}, err
	}

	now := s.now().UTC()
	sub.StartDate = now
	sub.EndDate = now.Add(Period)
	sub.UpdatedAt = now
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("failed to save subscription: %w", err)
	}
	if err := s.store.AdjustSubscriberCount(ctx, tier.ID, 1); err != nil {
		log.WithError(err).WithField("tier", tier.ID).Warn("Failed to bump subscriber count")
	}

	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventNewSubscriber,
		UserID:      tier.StreamerID,
		ActorID:     sub.SubscriberID,
		Amount:      tier.PriceCoins,
		ReferenceID: sub.ID,
		Message:     fmt.Sprintf("New %s subscriber", tier.Name),
		At:          now,
	})
	return sub, nil
}

// Cancel stops a subscription. It stays cancelled; no refund is issued.
func (s *Service) Cancel(ctx context.Context, id string, caller ledger.AccountID) (Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return Subscription{}, err
	}
	if sub.SubscriberID != caller {
		return Subscription{}, ErrNotOwner
	}
	if sub.Status != StatusActive {
		return Subscription{}, ErrNotActive
	}

	sub.Status = StatusCancelled
	sub.AutoRenew = false
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if err := s.store.AdjustSubscriberCount(ctx, sub.TierID, -1); err != nil {
		log.WithError(err).WithField("tier", sub.TierID).Warn("Failed to drop subscriber count")
	}
	return sub, nil
}

// List returns a user's subscriptions.
func (s *Service) List(ctx context.Context, subscriber ledger.AccountID) ([]Subscription, error) {
	return s.store.ListSubscriptions(ctx, subscriber)
}

// =============================================================================
// SWEEP
// =============================================================================

// Sweep expires or renews every subscription whose period has ended.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	due, err := s.store.DueSubscriptions(ctx, now)
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to load due subscriptions: %w", err)
	}

	var report SweepReport
	for _, sub := range due {
		if !sub.Due(now) {
			continue
		}
		outcome, err := s.settle(ctx, sub, now)
		if err != nil {
			report.Failed++
			log.WithError(err).WithField("subscription", sub.ID).Warn("Subscription renewal failed, will retry")
			continue
		}
		switch outcome {
		case StatusActive:
			report.Renewed++
		case StatusExpired:
			report.Expired++
		}
	}

	log.WithFields(log.Fields{
		"renewed": report.Renewed,
		"expired": report.Expired,
		"failed":  report.Failed,
	}).Info("Subscription sweep finished")
	return report, nil
}

func (s *Service) settle(ctx context.Context, sub Subscription, now time.Time) (Status, error) {
	if !sub.AutoRenew {
		return StatusExpired, s.expire(ctx, sub, now)
	}

	tier, err := s.store.GetTier(ctx, sub.TierID)
	if err != nil {
		if errors.Is(err, ErrTierNotFound) {
			return StatusExpired, s.expire(ctx, sub, now)
		}
		return "", err
	}
	if !tier.Active {
		return StatusExpired, s.expire(ctx, sub, now)
	}

	next := sub
	next.Cycle++
	_, err = s.engine.Execute(ctx, s.charge(next, tier, ledger.ReasonSubscriptionRenewal))
	switch {
	case err == nil, errors.Is(err, ledger.ErrCreditPending):
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound):
		return StatusExpired, s.expire(ctx, sub, now)
	default:
		return "", err
	}

	next.StartDate = sub.EndDate
	next.EndDate = sub.EndDate.Add(Period)
	// A long outage may leave the next period already over.
	if !now.Before(next.EndDate) {
		next.StartDate = now
		next.EndDate = now.Add(Period)
	}
	next.PricePaid = tier.PriceCoins
	next.UpdatedAt = now
	if err := s.store.SaveSubscription(ctx, next); err != nil {
		return "", fmt.Errorf("failed to save renewal: %w", err)
	}

	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventSubscriptionRenew,
		UserID:      sub.SubscriberID,
		ActorID:     sub.StreamerID,
		Amount:      tier.PriceCoins,
		ReferenceID: sub.ID,
		Message:     fmt.Sprintf("Your %s subscription renewed", tier.Name),
		At:          now,
	})
	return StatusActive, nil
}

func (s *Service) expire(ctx context.Context, sub Subscription, now time.Time) error {
	sub.Status = StatusExpired
	sub.UpdatedAt = now
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}
	if err := s.store.AdjustSubscriberCount(ctx, sub.TierID, -1); err != nil {
		log.WithError(err).WithField("tier", sub.TierID).Warn("Failed to drop subscriber count")
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventSubscriptionExpire,
		UserID:      sub.SubscriberID,
		ActorID:     sub.StreamerID,
		ReferenceID: sub.ID,
		Message:     "Your subscription has expired",
		At:          now,
	})
	return nil
}

// charge builds the payment for one cycle of a subscription.
func (s *Service) charge(sub Subscription, tier Tier, reason ledger.Reason) ledger.Operation {
	return ledger.Operation{
		Kind:        ledger.KindDebitSpend,
		Amount:      tier.PriceCoins,
		Source:      sub.SubscriberID,
		Dest:        tier.StreamerID,
		Reason:      reason,
		ReferenceID: fmt.Sprintf("%s:cycle:%d", sub.ID, sub.Cycle),
		Actor:       string(sub.SubscriberID),
		Metadata:    map[string]string{"tier_id": tier.ID, "subscription_id": sub.ID},
	}
}
