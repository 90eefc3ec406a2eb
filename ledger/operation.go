package ledger

import "strings"

// =============================================================================
// KINDS AND REASONS
// =============================================================================

// Kind is what an operation does to balances.
type Kind string

const (
	// KindDebitSpend removes coins, purchased first. With a destination it
	// is a transfer and the engine writes the paired credit.
	KindDebitSpend Kind = "debit_spend"
	// KindCreditEarn adds coins received from another user. Real-value
	// credits land in purchased coins, the rest in free coins.
	KindCreditEarn Kind = "credit_earn"
	// KindCreditGrant adds promotional free coins.
	KindCreditGrant Kind = "credit_grant"
	// KindPurchase adds coins bought with real money.
	KindPurchase Kind = "purchase"
	// KindReset zeroes every balance on the account.
	KindReset Kind = "reset"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDebitSpend, KindCreditEarn, KindCreditGrant, KindPurchase, KindReset:
		return true
	}
	return false
}

// Reason is the business cause of an operation.
type Reason string

const (
	ReasonGift                Reason = "gift"
	ReasonPostGift            Reason = "post_gift"
	ReasonTip                 Reason = "tip"
	ReasonSubscription        Reason = "subscription"
	ReasonSubscriptionRenewal Reason = "subscription_renewal"
	ReasonEntranceEffect      Reason = "entrance_effect"
	ReasonCoinPurchase        Reason = "coin_purchase"
	ReasonCoinRequest         Reason = "coin_request"
	ReasonDailyReward         Reason = "daily_reward"
	ReasonBanAppeal           Reason = "ban_appeal"
	ReasonAdminGrant          Reason = "admin_grant"
)

// SupportReasons are the transfer reasons that feed supporter leaderboards.
var SupportReasons = []Reason{ReasonGift, ReasonTip, ReasonPostGift}

// =============================================================================
// OPERATION
// =============================================================================

// Operation is a request to the engine. Callers build operations and never
// touch balances directly.
type Operation struct {
	Kind   Kind
	Amount int64
	Source AccountID
	Dest   AccountID
	Reason Reason
	// ReferenceID links the operation to the record that caused it and,
	// together with the entry kind, makes the operation idempotent.
	ReferenceID string
	// RealValue only applies to a standalone credit_earn. For transfers the
	// engine derives it from how the debit was funded.
	RealValue bool
	Actor     string
	Metadata  map[string]string
}

// Target returns the account whose balances the operation changes first.
func (op Operation) Target() AccountID {
	switch op.Kind {
	case KindDebitSpend, KindReset:
		return op.Source
	default:
		return op.Dest
	}
}

// IsTransfer reports whether the operation moves coins between two users.
func (op Operation) IsTransfer() bool {
	return op.Kind == KindDebitSpend && op.Dest != ""
}

// Validate checks the operation's shape. It does not look at balances.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "unknown kind " + string(op.Kind)}
	}
	if strings.TrimSpace(op.ReferenceID) == "" {
		return &ValidationError{Field: "reference_id", Message: "is required"}
	}
	if op.Kind != KindReset && op.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}

	switch op.Kind {
	case KindDebitSpend:
		if op.Source == "" {
			return &ValidationError{Field: "source", Message: "is required for debit_spend"}
		}
		if op.Dest != "" && op.Dest == op.Source {
			return &ValidationError{Field: "dest", Message: "must differ from source"}
		}
	case KindReset:
		if op.Source == "" {
			return &ValidationError{Field: "source", Message: "is required for reset"}
		}
	case KindCreditEarn, KindCreditGrant, KindPurchase:
		if op.Dest == "" {
			return &ValidationError{Field: "dest", Message: "is required for " + string(op.Kind)}
		}
		if op.Source != "" && op.Source == op.Dest {
			return &ValidationError{Field: "source", Message: "must differ from dest"}
		}
	}
	return nil
}

// creditFor builds the credit half of a transfer from its committed debit.
func (op Operation) creditFor(split Split) Operation {
	return Operation{
		Kind:        KindCreditEarn,
		Amount:      op.Amount,
		Source:      op.Source,
		Dest:        op.Dest,
		Reason:      op.Reason,
		ReferenceID: op.ReferenceID,
		RealValue:   split.RealValue(),
		Actor:       op.Actor,
		Metadata:    op.Metadata,
	}
}
