/*
handlers.go - HTTP API handlers for the coin engine

PURPOSE:
  Exposes the ledger and the features built on it via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the
  services. Handlers never touch balances: every money movement goes
  through a service and the ledger engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                      Open the caller's account
    GET    /api/accounts/me                   Caller's balances
    GET    /api/accounts/{id}                 Balances (self only)
    GET    /api/accounts/{id}/transactions    History (self only)

  Spending:
    POST   /api/gifts, /api/post-gifts, /api/tips, /api/effects

  Subscriptions:
    GET    /api/streamers/{id}/tiers
    POST   /api/tiers
    POST   /api/subscriptions
    POST   /api/subscriptions/{id}/cancel
    GET    /api/subscriptions

  Leaderboards:
    GET    /api/leaderboards/supporters/{id}
    GET    /api/leaderboards/streamers
    POST   /api/streams

  Rewards:
    POST   /api/rewards/daily
    POST   /api/coin-requests
    GET    /api/coin-requests

  Payments:
    GET    /api/pricing
    POST   /api/webhooks/payments

  Admin:
    GET    /api/admin/coin-requests
    POST   /api/admin/coin-requests/{id}/approve|reject
    POST   /api/admin/accounts/{id}/reset|grant
    POST   /api/admin/reconcile

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by statusFor:
  - 400: Validation errors, invalid input
  - 401: Missing or bad credentials
  - 402: Insufficient funds
  - 403: Acting on another user's resources
  - 404: Resource not found
  - 409: Reference conflict, state conflict (already claimed, ...)
  - 503: Contention, retry later
  A transfer whose credit is pending answers 202 with the receipt.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Identity middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/factory"
	"github.com/streamcity/coin-engine/gifting"
	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
	"github.com/streamcity/coin-engine/rewards"
	"github.com/streamcity/coin-engine/subscription"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API needs from persistence. Both the SQLite and
// the PostgreSQL stores implement it.
type Store interface {
	Ping(ctx context.Context) error
	ledger.TxStore
	leaderboard.Store
	subscription.Store
	rewards.ClaimStore
	rewards.RequestStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store    Store
	engine   *ledger.Engine
	gifts    *gifting.Service
	subs     *subscription.Service
	daily    *rewards.DailyService
	requests *rewards.RequestService
	board    *leaderboard.Aggregator
	pricing  *factory.Pricing
	notifier notify.Dispatcher
	jobs     *Jobs
}

// NewHandler wires the services over one store and engine.
func NewHandler(store Store, engine *ledger.Engine, pricing *factory.Pricing, notifier notify.Dispatcher, settlementWindow time.Duration) *Handler {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	board := leaderboard.NewAggregator(store, engine.Log())
	subs := subscription.NewService(store, engine, notifier)
	return &Handler{
		store:    store,
		engine:   engine,
		gifts:    gifting.NewService(engine, board, pricing, notifier),
		subs:     subs,
		daily:    rewards.NewDailyService(store, engine),
		requests: rewards.NewRequestService(store, engine, notifier),
		board:    board,
		pricing:  pricing,
		notifier: notifier,
		jobs: &Jobs{
			Subscriptions:    subs,
			Leaderboard:      board,
			Engine:           engine,
			SettlementWindow: settlementWindow,
		},
	}
}

// Jobs returns the background jobs sharing this handler's services.
func (h *Handler) Jobs() *Jobs {
	return h.jobs
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// OpenAccount creates the caller's account. Opening twice is harmless.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.engine.OpenAccount(r.Context(), callerFrom(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetMyAccount returns the caller's balances.
func (h *Handler) GetMyAccount(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, callerFrom(r.Context()))
}

// GetAccount returns an account's balances. Callers may only read their own.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := ownAccount(w, r)
	if !ok {
		return
	}
	h.writeAccount(w, r, id)
}

func (h *Handler) writeAccount(w http.ResponseWriter, r *http.Request, id ledger.AccountID) {
	acct, err := h.engine.Account(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTransactions returns an account's history, newest first by default.
//
// Query parameters: kind, reason (comma separated), from, to (RFC 3339),
// order (asc|desc), limit.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := ownAccount(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	entries, err := h.engine.Log().Query(r.Context(), id, filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	var f ledger.Filter
	for _, k := range splitList(q.Get("kind")) {
		kind := ledger.Kind(k)
		if !kind.Valid() {
			return f, fmt.Errorf("unknown kind %q", k)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	for _, reason := range splitList(q.Get("reason")) {
		f.Reasons = append(f.Reasons, ledger.Reason(reason))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		f.To = t
	}
	switch order := ledger.Order(q.Get("order")); order {
	case "", ledger.OrderDesc, ledger.OrderAsc:
		f.Order = order
	default:
		return f, fmt.Errorf("order must be asc or desc")
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

// =============================================================================
// SPENDING ENDPOINTS
// =============================================================================

// SendGift sends a catalog gift, optionally during a stream.
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.gifts.SendGift(r.Context(), gifting.GiftRequest{
		SenderID:    callerFrom(r.Context()),
		RecipientID: ledger.AccountID(req.RecipientID),
		GiftID:      req.GiftID,
		Quantity:    req.Quantity,
		StreamID:    req.StreamID,
		ReferenceID: req.ReferenceID,
	})
	writeReceipt(w, receipt, err)
}

// SendPostGift sends a gift on a profile post.
func (h *Handler) SendPostGift(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.gifts.SendPostGift(r.Context(), gifting.GiftRequest{
		SenderID:    callerFrom(r.Context()),
		RecipientID: ledger.AccountID(req.RecipientID),
		GiftID:      req.GiftID,
		Quantity:    req.Quantity,
		PostID:      req.PostID,
		ReferenceID: req.ReferenceID,
	})
	writeReceipt(w, receipt, err)
}

// SendTip tips a streamer.
func (h *Handler) SendTip(w http.ResponseWriter, r *http.Request) {
	var req TipRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.gifts.SendTip(r.Context(), gifting.TipRequest{
		TipperID:    callerFrom(r.Context()),
		StreamerID:  ledger.AccountID(req.StreamerID),
		AmountUSD:   req.AmountUSD,
		Message:     req.Message,
		Anonymous:   req.Anonymous,
		ReferenceID: req.ReferenceID,
	})
	writeReceipt(w, receipt, err)
}

// BuyEffect buys an entrance effect.
func (h *Handler) BuyEffect(w http.ResponseWriter, r *http.Request) {
	var req EffectRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.gifts.BuyEntranceEffect(r.Context(), gifting.EffectPurchase{
		UserID:      callerFrom(r.Context()),
		EffectID:    req.EffectID,
		ReferenceID: req.ReferenceID,
	})
	writeReceipt(w, receipt, err)
}

func writeReceipt(w http.ResponseWriter, receipt gifting.Receipt, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusCreated
	switch {
	case receipt.Pending:
		status = http.StatusAccepted
	case receipt.Replayed:
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

// =============================================================================
// SUBSCRIPTION ENDPOINTS
// =============================================================================

// ListTiers returns a streamer's tiers.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.subs.ListTiers(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	if tiers == nil {
		tiers = []subscription.Tier{}
	}
	writeJSON(w, http.StatusOK, tiers)
}

// CreateTier creates a tier owned by the caller.
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req TierRequest
	if !decode(w, r, &req) {
		return
	}
	tier, err := h.subs.CreateTier(r.Context(), subscription.Tier{
		StreamerID: callerFrom(r.Context()),
		Name:       req.Name,
		Level:      req.Level,
		PriceCoins: req.PriceCoins,
		PriceUSD:   req.PriceUSD,
		BadgeEmoji: req.BadgeEmoji,
		Benefits:   req.Benefits,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tier)
}

// Subscribe subscribes the caller to a tier.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.subs.Subscribe(r.Context(), subscription.SubscribeRequest{
		SubscriberID:   callerFrom(r.Context()),
		TierID:         req.TierID,
		SubscriptionID: req.SubscriptionID,
		AutoRenew:      req.AutoRenew,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// CancelSubscription cancels one of the caller's subscriptions.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Cancel(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptions returns the caller's subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context(), callerFrom(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	if subs == nil {
		subs = []subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// =============================================================================
// LEADERBOARD ENDPOINTS
// =============================================================================

// TopSupporters returns a recipient's top gifters.
func (h *Handler) TopSupporters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), leaderboard.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	top, err := h.board.TopSupporters(r.Context(), ledger.AccountID(chi.URLParam(r, "id")), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if top == nil {
		top = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, top)
}

// TopStreamers ranks streamers. Query parameters: period, metric, limit, offset.
func (h *Handler) TopStreamers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := leaderboard.ParsePeriod(q.Get("period"))
	if err != nil {
		respondError(w, err)
		return
	}
	metric, err := leaderboard.ParseMetric(q.Get("metric"))
	if err != nil {
		respondError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	ranks, err := h.board.TopStreamers(r.Context(), leaderboard.Query{Period: period, Metric: metric, Limit: limit, Offset: offset})
	if err != nil {
		respondError(w, err)
		return
	}
	if ranks == nil {
		ranks = []leaderboard.StreamerRank{}
	}
	writeJSON(w, http.StatusOK, ranks)
}

// RecordStream records or updates one of the caller's stream sessions.
func (h *Handler) RecordStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if !decode(w, r, &req) {
		return
	}
	session := leaderboard.StreamSession{
		ID:           req.ID,
		StreamerID:   callerFrom(r.Context()),
		StreamerName: req.StreamerName,
		Title:        req.Title,
		StartedAt:    req.StartedAt,
		EndedAt:      req.EndedAt,
		ViewerCount:  req.ViewerCount,
		Likes:        req.Likes,
		TrollPoints:  req.TrollPoints,
	}
	if err := h.board.RecordStream(r.Context(), session); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": session.ID})
}

// =============================================================================
// REWARD ENDPOINTS
// =============================================================================

// ClaimDaily claims today's login reward.
func (h *Handler) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	claim, err := h.daily.Claim(r.Context(), callerFrom(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

// SubmitCoinRequest files a coin request for the caller.
func (h *Handler) SubmitCoinRequest(w http.ResponseWriter, r *http.Request) {
	var req CoinRequestBody
	if !decode(w, r, &req) {
		return
	}
	created, err := h.requests.Submit(r.Context(), callerFrom(r.Context()), req.Amount, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListMyCoinRequests returns the caller's coin requests.
func (h *Handler) ListMyCoinRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.requests.ForUser(r.Context(), callerFrom(r.Context()))
	writeCoinRequests(w, list, err)
}

func writeCoinRequests(w http.ResponseWriter, list []rewards.CoinRequest, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []rewards.CoinRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// GetPricing returns the pricing table.
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pricing)
}

// PaymentWebhook credits purchased coins for a completed payment. The
// gateway transaction id is the reference, so redelivery is a no-op.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev factory.PaymentEvent
	if !decode(w, r, &ev) {
		return
	}
	if !ev.Completed() {
		log.WithFields(log.Fields{
			"transaction": ev.TransactionID,
			"status":      ev.Status,
		}).Info("Ignoring incomplete payment")
		writeJSON(w, http.StatusOK, PurchaseDTO{Status: "ignored", ReferenceID: ev.TransactionID})
		return
	}

	op, err := h.pricing.PurchaseFromPayment(ev)
	if err != nil {
		respondError(w, err)
		return
	}
	ctx := r.Context()
	if _, err := h.engine.OpenAccount(ctx, op.Dest); err != nil {
		respondError(w, err)
		return
	}
	res, err := h.engine.Execute(ctx, op)
	if err != nil {
		respondError(w, err)
		return
	}

	if !res.Replayed {
		h.notifier.Dispatch(ctx, notify.Event{
			Type:        notify.EventCoinsPurchased,
			UserID:      op.Dest,
			Amount:      op.Amount,
			ReferenceID: op.ReferenceID,
			Message:     fmt.Sprintf("%d coins added to your balance", op.Amount),
			At:          time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, PurchaseDTO{
		Status:       "credited",
		ReferenceID:  op.ReferenceID,
		Coins:        op.Amount,
		Replayed:     res.Replayed,
		Transactions: toTransactionDTOs(res.Entries),
	})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ListPendingCoinRequests returns requests awaiting a decision.
func (h *Handler) ListPendingCoinRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.requests.Pending(r.Context())
	writeCoinRequests(w, list, err)
}

// ApproveCoinRequest approves a coin request.
func (h *Handler) ApproveCoinRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	decided, err := h.requests.Approve(r.Context(), chi.URLParam(r, "id"), rewards.Decision{
		Admin:    adminFrom(r.Context()),
		Amount:   req.Amount,
		CoinType: rewards.CoinType(req.CoinType),
		Response: req.Response,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// RejectCoinRequest rejects a coin request.
func (h *Handler) RejectCoinRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	decided, err := h.requests.Reject(r.Context(), chi.URLParam(r, "id"), rewards.Decision{
		Admin:    adminFrom(r.Context()),
		Response: req.Response,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// ResetAccount zeroes an account after a successful ban appeal.
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AppealID) == "" {
		writeError(w, http.StatusBadRequest, "appeal_id is required", nil)
		return
	}
	ctx := r.Context()
	user := ledger.AccountID(chi.URLParam(r, "id"))
	res, err := h.engine.Execute(ctx, factory.ResetOperation(user, req.AppealID, adminFrom(ctx)))
	if err != nil {
		respondError(w, err)
		return
	}

	if !res.Replayed {
		h.notifier.Dispatch(ctx, notify.Event{
			Type:        notify.EventAccountReset,
			UserID:      user,
			ReferenceID: req.AppealID,
			Message:     "Your ban appeal was accepted and your account has been reset",
			At:          time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(res.Entries))
}

// GrantCoins credits free coins to an account.
func (h *Handler) GrantCoins(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required", nil)
		return
	}
	ctx := r.Context()
	op := factory.GrantOperation(ledger.AccountID(chi.URLParam(r, "id")), req.Amount, req.ReferenceID, adminFrom(ctx))
	res, err := h.engine.Execute(ctx, op)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(res.Entries))
}

// Reconcile rebuilds the supporter rollup and settles pending transfers.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.jobs.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// HELPERS
// =============================================================================

func ownAccount(w http.ResponseWriter, r *http.Request) (ledger.AccountID, bool) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if id != callerFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "Cannot access another user's account", errForbidden)
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrCreditPending):
		return http.StatusAccepted
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden),
		errors.Is(err, subscription.ErrNotOwner),
		errors.Is(err, leaderboard.ErrNotStreamOwner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, subscription.ErrTierNotFound),
		errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, rewards.ErrRequestNotFound),
		errors.Is(err, leaderboard.ErrStreamNotFound),
		errors.Is(err, factory.ErrUnknownPackage),
		errors.Is(err, factory.ErrUnknownGift),
		errors.Is(err, factory.ErrUnknownEffect):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrReferenceConflict),
		errors.Is(err, subscription.ErrAlreadySubscribed),
		errors.Is(err, subscription.ErrNotActive),
		errors.Is(err, subscription.ErrTierInactive),
		errors.Is(err, rewards.ErrAlreadyClaimed),
		errors.Is(err, rewards.ErrRequestProcessed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidOperation),
		errors.Is(err, gifting.ErrSelfGift),
		errors.Is(err, gifting.ErrInvalidQuantity),
		errors.Is(err, gifting.ErrTipTooSmall),
		errors.Is(err, gifting.ErrMessageTooLong),
		errors.Is(err, gifting.ErrStreamMismatch),
		errors.Is(err, subscription.ErrInvalidTier),
		errors.Is(err, subscription.ErrSelfSubscription),
		errors.Is(err, rewards.ErrInvalidRequest),
		errors.Is(err, leaderboard.ErrInvalidQuery),
		errors.Is(err, factory.ErrAmountRange),
		errors.Is(err, factory.ErrPaymentNotCompleted):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		writeError(w, status, "Internal error", nil)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
