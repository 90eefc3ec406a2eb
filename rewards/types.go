/*
Package rewards grants free coins outside of purchases.

PURPOSE:
  Two flows put promotional coins into accounts:
  - Daily login rewards: one claim per UTC day, growing with the streak
  - Coin requests: users ask, an admin approves (as free or purchased
    coins) or rejects

  Both go through the ledger as credit_grant (free) or purchase
  (purchased) operations. Reference ids are derived from the claim day or
  request id so a retried claim or approval never credits twice.

SEE ALSO:
  - daily.go: Streak rules and claim flow
  - requests.go: Coin request approval workflow
*/
package rewards

import (
	"errors"
	"time"

	"github.com/streamcity/coin-engine/ledger"
)

var (
	ErrAlreadyClaimed   = errors.New("daily reward already claimed today")
	ErrRequestNotFound  = errors.New("coin request not found")
	ErrRequestProcessed = errors.New("coin request already processed")
	ErrInvalidRequest   = errors.New("invalid coin request")
)

// =============================================================================
// DAILY REWARDS
// =============================================================================

// Claim is one daily reward claim.
type Claim struct {
	UserID      ledger.AccountID `json:"user_id"`
	DayNumber   int              `json:"day_number"`
	StreakCount int              `json:"streak_count"`
	CoinsEarned int64            `json:"coins_earned"`
	ClaimDate   time.Time        `json:"claim_date"`
}

// =============================================================================
// COIN REQUESTS
// =============================================================================

// RequestStatus is the state of a coin request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// CoinType is which balance an approved request credits.
type CoinType string

const (
	CoinsFree      CoinType = "free"
	CoinsPurchased CoinType = "purchased"
)

// CoinRequest is a user's request for coins.
type CoinRequest struct {
	ID              string           `json:"id"`
	UserID          ledger.AccountID `json:"user_id"`
	Message         string           `json:"message"`
	RequestedAmount int64            `json:"requested_amount"`
	Status          RequestStatus    `json:"status"`
	ApprovedAmount  int64            `json:"approved_amount,omitempty"`
	CoinType        CoinType         `json:"coin_type,omitempty"`
	AdminResponse   string           `json:"admin_response,omitempty"`
	ProcessedBy     string           `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
