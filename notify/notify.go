/*
Package notify dispatches user notifications after a ledger commit.

PURPOSE:
  Gift received, tip received, new subscriber, coin request decisions and
  account resets produce notifications. They are fire-and-forget: a
  dispatcher never fails the operation that triggered it, and delivery is
  at-least-once from the caller's point of view.

SINKS:
  LogDispatcher:   Writes events to the structured log (development)
  KafkaDispatcher: Publishes JSON events to a Kafka topic

SEE ALSO:
  - gifting/service.go, subscription/service.go, rewards/requests.go
*/
package notify

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/metrics"
)

// EventType names what happened.
type EventType string

const (
	EventGiftReceived       EventType = "gift_received"
	EventPostGiftReceived   EventType = "post_gift_received"
	EventTipReceived        EventType = "tip_received"
	EventNewSubscriber      EventType = "new_subscriber"
	EventSubscriptionRenew  EventType = "subscription_renewed"
	EventSubscriptionExpire EventType = "subscription_expired"
	EventCoinsPurchased     EventType = "coins_purchased"
	EventCoinRequestDecided EventType = "coin_request_decided"
	EventAccountReset       EventType = "account_reset"
)

// Event is one notification for a user.
type Event struct {
	Type        EventType         `json:"type"`
	UserID      ledger.AccountID  `json:"user_id"`
	ActorID     ledger.AccountID  `json:"actor_id,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Message     string            `json:"message"`
	At          time.Time         `json:"at"`
	Data        map[string]string `json:"data,omitempty"`
}

// Dispatcher delivers events. Implementations must not block callers for
// long and must not report failures back to them.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogDispatcher writes events to logrus.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, ev Event) {
	log.WithFields(log.Fields{
		"type":      ev.Type,
		"user":      ev.UserID,
		"actor":     ev.ActorID,
		"amount":    ev.Amount,
		"reference": ev.ReferenceID,
	}).Info(ev.Message)
	metrics.Notifications.WithLabelValues("log", metrics.OutcomeOK).Inc()
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi sends each event to every dispatcher in order.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, ev Event) {
	for _, d := range m {
		d.Dispatch(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Dispatch(context.Context, Event) {}
