package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
)

// MaxRequestAmount caps what a user may ask for in one request.
const MaxRequestAmount = 100_000

// RequestStore persists coin requests.
type RequestStore interface {
	SaveCoinRequest(ctx context.Context, r CoinRequest) error
	GetCoinRequest(ctx context.Context, id string) (CoinRequest, error)
	ListCoinRequests(ctx context.Context, user ledger.AccountID, status RequestStatus) ([]CoinRequest, error)
}

// RequestService runs the coin request workflow.
type RequestService struct {
	store    RequestStore
	engine   *ledger.Engine
	notifier notify.Dispatcher
	now      func() time.Time
}

// NewRequestService creates a coin request service.
func NewRequestService(store RequestStore, engine *ledger.Engine, notifier notify.Dispatcher) *RequestService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &RequestService{store: store, engine: engine, notifier: notifier, now: time.Now}
}

// Submit files a new pending request.
func (s *RequestService) Submit(ctx context.Context, user ledger.AccountID, amount int64, message string) (CoinRequest, error) {
	message = strings.TrimSpace(message)
	switch {
	case user == "":
		return CoinRequest{}, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	case amount <= 0 || amount > MaxRequestAmount:
		return CoinRequest{}, fmt.Errorf("%w: amount must be between 1 and %d", ErrInvalidRequest, MaxRequestAmount)
	case message == "":
		return CoinRequest{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	req := CoinRequest{
		ID:              uuid.NewString(),
		UserID:          user,
		Message:         message,
		RequestedAmount: amount,
		Status:          RequestPending,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.SaveCoinRequest(ctx, req); err != nil {
		return CoinRequest{}, fmt.Errorf("failed to save coin request: %w", err)
	}
	return req, nil
}

// Pending lists requests awaiting a decision.
func (s *RequestService) Pending(ctx context.Context) ([]CoinRequest, error) {
	return s.store.ListCoinRequests(ctx, "", RequestPending)
}

// ForUser lists a user's requests in any state.
func (s *RequestService) ForUser(ctx context.Context, user ledger.AccountID) ([]CoinRequest, error) {
	return s.store.ListCoinRequests(ctx, user, "")
}

// Decision is an admin's answer to a request.
type Decision struct {
	Admin    string
	Amount   int64 // Zero approves the requested amount
	CoinType CoinType
	Response string
}

// Approve credits the request and marks it approved. Approving an
// already-approved request with the same amount is a no-op.
func (s *RequestService) Approve(ctx context.Context, id string, d Decision) (CoinRequest, error) {
	req, err := s.store.GetCoinRequest(ctx, id)
	if err != nil {
		return CoinRequest{}, err
	}
	if req.Status == RequestRejected {
		return CoinRequest{}, ErrRequestProcessed
	}

	amount := d.Amount
	if amount == 0 {
		amount = req.RequestedAmount
	}
	if amount <= 0 {
		return CoinRequest{}, fmt.Errorf("%w: approved amount must be positive", ErrInvalidRequest)
	}
	coinType := d.CoinType
	if coinType == "" {
		coinType = CoinsFree
	}

	op := ledger.Operation{
		Amount:      amount,
		Dest:        req.UserID,
		Reason:      ledger.ReasonCoinRequest,
		ReferenceID: "coinreq:" + req.ID,
		Actor:       d.Admin,
	}
	switch coinType {
	case CoinsFree:
		op.Kind = ledger.KindCreditGrant
	case CoinsPurchased:
		op.Kind = ledger.KindPurchase
	default:
		return CoinRequest{}, fmt.Errorf("%w: unknown coin type %q", ErrInvalidRequest, coinType)
	}
	if req.Status == RequestApproved && (req.ApprovedAmount != amount || req.CoinType != coinType) {
		return CoinRequest{}, ErrRequestProcessed
	}

	if _, err := s.engine.Execute(ctx, op); err != nil {
		return CoinRequest{}, err
	}

	now := s.now().UTC()
	req.Status = RequestApproved
	req.ApprovedAmount = amount
	req.CoinType = coinType
	req.AdminResponse = d.Response
	req.ProcessedBy = d.Admin
	req.ProcessedAt = &now
	if err := s.store.SaveCoinRequest(ctx, req); err != nil {
		return CoinRequest{}, fmt.Errorf("failed to save coin request: %w", err)
	}

	log.WithFields(log.Fields{
		"request": req.ID,
		"user":    req.UserID,
		"amount":  amount,
		"type":    coinType,
		"admin":   d.Admin,
	}).Info("Coin request approved")

	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventCoinRequestDecided,
		UserID:      req.UserID,
		Amount:      amount,
		ReferenceID: req.ID,
		Message:     fmt.Sprintf("Your coin request was approved: %d %s coins", amount, coinType),
		At:          now,
	})
	return req, nil
}

// Reject closes a pending request without crediting.
func (s *RequestService) Reject(ctx context.Context, id string, d Decision) (CoinRequest, error) {
	req, err := s.store.GetCoinRequest(ctx, id)
	if err != nil {
		return CoinRequest{}, err
	}
	if req.Status != RequestPending {
		return CoinRequest{}, ErrRequestProcessed
	}

	now := s.now().UTC()
	req.Status = RequestRejected
	req.AdminResponse = d.Response
	req.ProcessedBy = d.Admin
	req.ProcessedAt = &now
	if err := s.store.SaveCoinRequest(ctx, req); err != nil {
		return CoinRequest{}, fmt.Errorf("failed to save coin request: %w", err)
	}

	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventCoinRequestDecided,
		UserID:      req.UserID,
		ReferenceID: req.ID,
		Message:     "Your coin request was rejected",
		At:          now,
		Data:        map[string]string{"response": d.Response},
	})
	return req, nil
}
