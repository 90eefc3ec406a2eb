/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Ledger types carry no JSON tags; the API
  contract lives here so storage and wire formats evolve separately.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamcity/coin-engine/gifting"
	"github.com/streamcity/coin-engine/ledger"
)

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// AccountDTO is an account's balances.
type AccountDTO struct {
	ID        string    `json:"id"`
	Purchased int64     `json:"purchased_coins"`
	Free      int64     `json:"free_coins"`
	Earned    int64     `json:"earned_coins"`
	Total     int64     `json:"total_coins"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Purchased: a.Purchased,
		Free:      a.Free,
		Earned:    a.Earned,
		Total:     a.Total(),
		Version:   a.Version,
		UpdatedAt: a.UpdatedAt,
	}
}

// TransactionDTO is one transaction log entry.
type TransactionDTO struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp"`
	AccountID          string            `json:"account_id"`
	Counterparty       string            `json:"counterparty,omitempty"`
	Kind               string            `json:"kind"`
	Reason             string            `json:"reason"`
	ReferenceID        string            `json:"reference_id"`
	Delta              int64             `json:"delta"`
	PurchasedDelta     int64             `json:"purchased_delta"`
	FreeDelta          int64             `json:"free_delta"`
	ResultingBalance   int64             `json:"resulting_balance"`
	ResultingPurchased int64             `json:"resulting_purchased"`
	ResultingFree      int64             `json:"resulting_free"`
	RealValue          bool              `json:"real_value"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func toTransactionDTOs(entries []ledger.Entry) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, TransactionDTO{
			ID:                 e.ID,
			Timestamp:          e.Timestamp,
			AccountID:          string(e.AccountID),
			Counterparty:       string(e.Counterparty),
			Kind:               string(e.Kind),
			Reason:             string(e.Reason),
			ReferenceID:        e.ReferenceID,
			Delta:              e.Delta,
			PurchasedDelta:     e.PurchasedDelta,
			FreeDelta:          e.FreeDelta,
			ResultingBalance:   e.ResultingBalance,
			ResultingPurchased: e.ResultingPurchased,
			ResultingFree:      e.ResultingFree,
			RealValue:          e.RealValue,
			Metadata:           e.Metadata,
		})
	}
	return out
}

// ReceiptDTO is the outcome of a spend.
type ReceiptDTO struct {
	ReferenceID  string           `json:"reference_id"`
	Amount       int64            `json:"amount"`
	RealValue    bool             `json:"real_value"`
	Replayed     bool             `json:"replayed"`
	Pending      bool             `json:"pending"`
	Transactions []TransactionDTO `json:"transactions"`
}

func toReceiptDTO(r gifting.Receipt) ReceiptDTO {
	return ReceiptDTO{
		ReferenceID:  r.ReferenceID,
		Amount:       r.Amount,
		RealValue:    r.RealValue,
		Replayed:     r.Replayed,
		Pending:      r.Pending,
		Transactions: toTransactionDTOs(r.Entries),
	}
}

// PurchaseDTO is the webhook response.
type PurchaseDTO struct {
	Status       string           `json:"status"`
	ReferenceID  string           `json:"reference_id,omitempty"`
	Coins        int64            `json:"coins,omitempty"`
	Replayed     bool             `json:"replayed,omitempty"`
	Transactions []TransactionDTO `json:"transactions,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// GiftRequest sends a catalog gift.
type GiftRequest struct {
	RecipientID string `json:"recipient_id"`
	GiftID      string `json:"gift_id"`
	Quantity    int    `json:"quantity"`
	StreamID    string `json:"stream_id,omitempty"`
	PostID      string `json:"post_id,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// TipRequest tips a streamer in USD.
type TipRequest struct {
	StreamerID  string          `json:"streamer_id"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Message     string          `json:"message,omitempty"`
	Anonymous   bool            `json:"anonymous"`
	ReferenceID string          `json:"reference_id,omitempty"`
}

// EffectRequest buys an entrance effect.
type EffectRequest struct {
	EffectID    string `json:"effect_id"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// TierRequest creates a subscription tier for the caller.
type TierRequest struct {
	Name       string          `json:"name"`
	Level      int             `json:"level"`
	PriceCoins int64           `json:"price_coins"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	BadgeEmoji string          `json:"badge_emoji,omitempty"`
	Benefits   []string        `json:"benefits,omitempty"`
}

// SubscribeRequest subscribes the caller to a tier.
type SubscribeRequest struct {
	TierID         string `json:"tier_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	AutoRenew      *bool  `json:"auto_renew,omitempty"`
}

// StreamRequest records a stream session of the caller.
type StreamRequest struct {
	ID           string     `json:"id"`
	StreamerName string     `json:"streamer_name"`
	Title        string     `json:"title"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ViewerCount  int64      `json:"viewer_count"`
	Likes        int64      `json:"likes"`
	TrollPoints  int64      `json:"troll_points"`
}

// CoinRequestBody files a coin request.
type CoinRequestBody struct {
	Amount  int64  `json:"amount"`
	Message string `json:"message"`
}

// DecisionRequest is an admin's answer to a coin request.
type DecisionRequest struct {
	Amount   int64  `json:"amount,omitempty"`
	CoinType string `json:"coin_type,omitempty"`
	Response string `json:"response,omitempty"`
}

// ResetRequest zeroes an account after a ban appeal.
type ResetRequest struct {
	AppealID string `json:"appeal_id"`
}

// GrantRequest credits free coins.
type GrantRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}
