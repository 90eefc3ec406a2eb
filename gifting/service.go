/*
Package gifting implements the coin-spending features: gifts during
streams, gifts on profile posts, tips and entrance effects.

PURPOSE:
  Domain wrapper around the ledger engine. Each feature resolves its
  price, builds one ledger operation and, once it commits, runs the
  non-financial follow-ups:
  1. Supporter leaderboard update (gifts, post gifts, tips)
  2. Stream gift total (gifts sent during a stream)
  3. Recipient notification

  The stream total follows the sender's debit and runs only when this call
  committed it. The leaderboard and the notification follow the
  recipient's credit and run only when this call committed it, so a
  retried pending transfer counts once and notifies once. Failures are
  logged, not returned: the coins already moved. Leaderboard drift
  (including credits settled by the reconcile job) is corrected by the
  nightly reconciliation.

PRICING:
  Gifts:             catalog coin value x quantity
  Tips:              floor(usd x 100)
  Entrance effects:  floor(price_usd x 100), debit only

SEE ALSO:
  - factory/pricing.go: Catalog and conversions
  - leaderboard/aggregator.go: Rollup updates
*/
package gifting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/factory"
	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
)

var (
	ErrSelfGift        = errors.New("cannot send coins to yourself")
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 99")
	ErrTipTooSmall     = errors.New("tip is worth less than one coin")
	ErrMessageTooLong  = errors.New("message too long")
	ErrStreamMismatch  = errors.New("stream does not belong to the recipient")
)

const (
	maxQuantity      = 99
	maxMessageLength = 500
)

// Service runs gifting operations.
type Service struct {
	engine      *ledger.Engine
	leaderboard *leaderboard.Aggregator
	pricing     *factory.Pricing
	notifier    notify.Dispatcher
	now         func() time.Time
}

// NewService creates a gifting service.
func NewService(engine *ledger.Engine, lb *leaderboard.Aggregator, pricing *factory.Pricing, notifier notify.Dispatcher) *Service {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{engine: engine, leaderboard: lb, pricing: pricing, notifier: notifier, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// REQUESTS AND RECEIPTS
// =============================================================================

// GiftRequest sends a catalog gift to a streamer or a post author.
type GiftRequest struct {
	SenderID    ledger.AccountID
	RecipientID ledger.AccountID
	GiftID      string
	Quantity    int
	// StreamID is set when the gift is sent during a live stream.
	StreamID string
	// PostID is set for gifts on profile posts.
	PostID      string
	ReferenceID string
}

// TipRequest tips a streamer an amount in USD.
type TipRequest struct {
	TipperID    ledger.AccountID
	StreamerID  ledger.AccountID
	AmountUSD   decimal.Decimal
	Message     string
	Anonymous   bool
	ReferenceID string
}

// EffectPurchase buys an entrance effect.
type EffectPurchase struct {
	UserID      ledger.AccountID
	EffectID    string
	ReferenceID string
}

// Receipt describes a committed spend. Pending is true when the debit
// committed but the recipient's credit is waiting for settlement.
type Receipt struct {
	ReferenceID string         `json:"reference_id"`
	Amount      int64          `json:"amount"`
	RealValue   bool           `json:"real_value"`
	Replayed    bool           `json:"replayed"`
	Pending     bool           `json:"pending"`
	Entries     []ledger.Entry `json:"entries"`

	debited  bool
	credited bool
}

// =============================================================================
// OPERATIONS
// =============================================================================

// SendGift sends a gift during a stream (or outside one).
func (s *Service) SendGift(ctx context.Context, req GiftRequest) (Receipt, error) {
	return s.sendGift(ctx, req, ledger.ReasonGift)
}

// SendPostGift sends a gift on a profile post.
func (s *Service) SendPostGift(ctx context.Context, req GiftRequest) (Receipt, error) {
	if req.PostID == "" {
		return Receipt{}, &ledger.ValidationError{Field: "post_id", Message: "is required"}
	}
	req.StreamID = ""
	return s.sendGift(ctx, req, ledger.ReasonPostGift)
}

func (s *Service) sendGift(ctx context.Context, req GiftRequest, reason ledger.Reason) (Receipt, error) {
	if req.SenderID == req.RecipientID {
		return Receipt{}, ErrSelfGift
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 || req.Quantity > maxQuantity {
		return Receipt{}, ErrInvalidQuantity
	}
	item, err := s.pricing.Gift(req.GiftID)
	if err != nil {
		return Receipt{}, err
	}
	if req.StreamID != "" {
		stream, err := s.leaderboard.Stream(ctx, req.StreamID)
		if err != nil {
			return Receipt{}, err
		}
		if stream.StreamerID != req.RecipientID {
			return Receipt{}, ErrStreamMismatch
		}
	}

	meta := map[string]string{"gift_id": item.ID, "quantity": fmt.Sprint(req.Quantity)}
	if req.StreamID != "" {
		meta["stream_id"] = req.StreamID
	}
	if req.PostID != "" {
		meta["post_id"] = req.PostID
	}
	op := ledger.Operation{
		Kind:        ledger.KindDebitSpend,
		Amount:      item.CoinValue * int64(req.Quantity),
		Source:      req.SenderID,
		Dest:        req.RecipientID,
		Reason:      reason,
		ReferenceID: referenceOrNew(req.ReferenceID),
		Actor:       string(req.SenderID),
		Metadata:    meta,
	}

	receipt, err := s.execute(ctx, op)
	if err != nil {
		return receipt, err
	}

	if receipt.debited && req.StreamID != "" {
		if err := s.leaderboard.AddStreamGifts(ctx, req.StreamID, op.Amount); err != nil {
			log.WithError(err).WithField("stream", req.StreamID).Warn("Failed to update stream gift total")
		}
	}
	if !receipt.credited {
		return receipt, nil
	}
	s.recordSupport(ctx, op)

	evType := notify.EventGiftReceived
	if reason == ledger.ReasonPostGift {
		evType = notify.EventPostGiftReceived
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        evType,
		UserID:      req.RecipientID,
		ActorID:     req.SenderID,
		Amount:      op.Amount,
		ReferenceID: op.ReferenceID,
		Message:     fmt.Sprintf("You received %d× %s %s", req.Quantity, item.Emoji, item.Name),
		At:          s.now().UTC(),
		Data:        meta,
	})
	return receipt, nil
}

// SendTip tips a streamer.
func (s *Service) SendTip(ctx context.Context, req TipRequest) (Receipt, error) {
	if req.TipperID == req.StreamerID {
		return Receipt{}, ErrSelfGift
	}
	if len(req.Message) > maxMessageLength {
		return Receipt{}, ErrMessageTooLong
	}
	coins := factory.USDToCoins(req.AmountUSD)
	if coins <= 0 {
		return Receipt{}, ErrTipTooSmall
	}

	op := ledger.Operation{
		Kind:        ledger.KindDebitSpend,
		Amount:      coins,
		Source:      req.TipperID,
		Dest:        req.StreamerID,
		Reason:      ledger.ReasonTip,
		ReferenceID: referenceOrNew(req.ReferenceID),
		Actor:       string(req.TipperID),
		Metadata: map[string]string{
			"amount_usd": req.AmountUSD.StringFixed(2),
			"anonymous":  fmt.Sprint(req.Anonymous),
		},
	}

	receipt, err := s.execute(ctx, op)
	if err != nil || !receipt.credited {
		return receipt, err
	}
	s.recordSupport(ctx, op)

	ev := notify.Event{
		Type:        notify.EventTipReceived,
		UserID:      req.StreamerID,
		ActorID:     req.TipperID,
		Amount:      coins,
		ReferenceID: op.ReferenceID,
		Message:     fmt.Sprintf("You received a $%s tip", req.AmountUSD.StringFixed(2)),
		At:          s.now().UTC(),
	}
	if req.Anonymous {
		ev.ActorID = ""
		ev.Message = fmt.Sprintf("You received an anonymous $%s tip", req.AmountUSD.StringFixed(2))
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		ev.Data = map[string]string{"message": msg}
	}
	s.notifier.Dispatch(ctx, ev)
	return receipt, nil
}

// BuyEntranceEffect spends coins on an entrance effect. Nobody receives them.
func (s *Service) BuyEntranceEffect(ctx context.Context, req EffectPurchase) (Receipt, error) {
	effect, err := s.pricing.Effect(req.EffectID)
	if err != nil {
		return Receipt{}, err
	}
	return s.execute(ctx, ledger.Operation{
		Kind:        ledger.KindDebitSpend,
		Amount:      factory.USDToCoins(effect.PriceUSD),
		Source:      req.UserID,
		Reason:      ledger.ReasonEntranceEffect,
		ReferenceID: referenceOrNew(req.ReferenceID),
		Actor:       string(req.UserID),
		Metadata:    map[string]string{"effect_id": effect.ID},
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) execute(ctx context.Context, op ledger.Operation) (Receipt, error) {
	res, err := s.engine.Execute(ctx, op)
	pending := errors.Is(err, ledger.ErrCreditPending)
	if err != nil && !pending {
		return Receipt{}, err
	}
	return Receipt{
		ReferenceID: op.ReferenceID,
		Amount:      op.Amount,
		RealValue:   res.Split.RealValue(),
		Replayed:    res.Replayed,
		Pending:     pending,
		Entries:     res.Entries,
		debited:     len(res.Entries) > 0 && !res.FirstReplayed,
		credited:    res.CreditCommitted,
	}, nil
}

func (s *Service) recordSupport(ctx context.Context, op ledger.Operation) {
	if err := s.leaderboard.RecordGift(ctx, op.ReferenceID, op.Source, op.Dest, op.Amount, s.now()); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"reference": op.ReferenceID,
			"gifter":    op.Source,
			"recipient": op.Dest,
		}).Warn("Failed to update supporter leaderboard")
	}
}

func referenceOrNew(ref string) string {
	if ref = strings.TrimSpace(ref); ref != "" {
		return ref
	}
	return uuid.NewString()
}
