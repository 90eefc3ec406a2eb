package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/streamcity/coin-engine/ledger"
)

// ErrPaymentNotCompleted is returned for webhook events that carry no money.
var ErrPaymentNotCompleted = errors.New("payment not completed")

// PaymentEvent is a normalised payment gateway webhook.
type PaymentEvent struct {
	// TransactionID is the gateway's id and becomes the reference id.
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	PackageID     string          `json:"package_id,omitempty"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Status        string          `json:"status"`
}

// Completed reports whether the gateway confirmed the payment.
func (ev PaymentEvent) Completed() bool {
	switch strings.ToLower(ev.Status) {
	case "completed", "succeeded", "paid":
		return true
	}
	return false
}

// PurchaseFromPayment turns a confirmed payment into a purchase operation.
// A package id wins over the amount; otherwise the custom-amount tiers apply.
func (p *Pricing) PurchaseFromPayment(ev PaymentEvent) (ledger.Operation, error) {
	if !ev.Completed() {
		return ledger.Operation{}, fmt.Errorf("%w: status %q", ErrPaymentNotCompleted, ev.Status)
	}
	if ev.TransactionID == "" || ev.UserID == "" {
		return ledger.Operation{}, &ledger.ValidationError{Field: "transaction_id", Message: "and user_id are required"}
	}

	var coins int64
	meta := map[string]string{"amount_usd": ev.AmountUSD.StringFixed(2)}
	if ev.PackageID != "" {
		pkg, err := p.PackageByID(ev.PackageID)
		if err != nil {
			return ledger.Operation{}, err
		}
		coins = pkg.Coins
		meta["package_id"] = pkg.ID
		meta["amount_usd"] = pkg.PriceUSD.StringFixed(2)
	} else {
		c, err := p.CoinsForAmount(ev.AmountUSD)
		if err != nil {
			return ledger.Operation{}, err
		}
		coins = c
	}

	return ledger.Operation{
		Kind:        ledger.KindPurchase,
		Amount:      coins,
		Dest:        ledger.AccountID(ev.UserID),
		Reason:      ledger.ReasonCoinPurchase,
		ReferenceID: ev.TransactionID,
		Actor:       "payment-gateway",
		Metadata:    meta,
	}, nil
}

// ResetOperation zeroes an account after a successful ban appeal.
func ResetOperation(user ledger.AccountID, appealID, admin string) ledger.Operation {
	return ledger.Operation{
		Kind:        ledger.KindReset,
		Source:      user,
		Reason:      ledger.ReasonBanAppeal,
		ReferenceID: "appeal:" + appealID,
		Actor:       admin,
	}
}

// GrantOperation credits free coins on an admin's behalf.
func GrantOperation(user ledger.AccountID, amount int64, referenceID, admin string) ledger.Operation {
	return ledger.Operation{
		Kind:        ledger.KindCreditGrant,
		Amount:      amount,
		Dest:        user,
		Reason:      ledger.ReasonAdminGrant,
		ReferenceID: "grant:" + referenceID,
		Actor:       admin,
	}
}
