package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcity/coin-engine/factory"
	"github.com/streamcity/coin-engine/ledger"
)

func TestCoinsForAmount_Tiers(t *testing.T) {
	p := factory.DefaultPricing()
	cases := []struct {
		usd   string
		coins int64
	}{
		{"0.99", 76},
		{"5.00", 385},
		{"6.49", 500},
		{"12.99", 1370},
		{"13.50", 1370},
		{"19.99", 3140},
		{"49.99", 6850},
		{"139.99", 19700},
		{"279.99", 39900},
		{"500", 39900},
	}
	for _, tc := range cases {
		t.Run(tc.usd, func(t *testing.T) {
			coins, err := p.CoinsForAmount(decimal.RequireFromString(tc.usd))
			require.NoError(t, err)
			assert.Equal(t, tc.coins, coins)
		})
	}
}

func TestCoinsForAmount_OutOfRange(t *testing.T) {
	p := factory.DefaultPricing()
	_, err := p.CoinsForAmount(decimal.RequireFromString("0.50"))
	assert.ErrorIs(t, err, factory.ErrAmountRange)
	_, err = p.CoinsForAmount(decimal.RequireFromString("500.01"))
	assert.ErrorIs(t, err, factory.ErrAmountRange)
}

func TestUSDToCoins_FloorsAtHundredPerDollar(t *testing.T) {
	assert.Equal(t, int64(100), factory.USDToCoins(decimal.RequireFromString("1")))
	assert.Equal(t, int64(299), factory.USDToCoins(decimal.RequireFromString("2.999")))
	assert.Equal(t, int64(0), factory.USDToCoins(decimal.RequireFromString("0.009")))
}

func TestPurchaseFromPayment(t *testing.T) {
	p := factory.DefaultPricing()

	// GIVEN: A completed custom-amount payment of 12.99
	// WHEN: Building the purchase
	// THEN: 1370 coins keyed by the gateway transaction id
	op, err := p.PurchaseFromPayment(factory.PaymentEvent{
		TransactionID: "sq_txn_001",
		UserID:        "buyer",
		AmountUSD:     decimal.RequireFromString("12.99"),
		Status:        "COMPLETED",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindPurchase, op.Kind)
	assert.Equal(t, int64(1370), op.Amount)
	assert.Equal(t, "sq_txn_001", op.ReferenceID)
	assert.Equal(t, ledger.AccountID("buyer"), op.Dest)
	require.NoError(t, op.Validate())

	op, err = p.PurchaseFromPayment(factory.PaymentEvent{
		TransactionID: "sq_txn_002", UserID: "buyer", PackageID: "coins_6850", Status: "succeeded",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6850), op.Amount)
	assert.Equal(t, "49.99", op.Metadata["amount_usd"])

	_, err = p.PurchaseFromPayment(factory.PaymentEvent{TransactionID: "x", UserID: "buyer", Status: "pending"})
	assert.ErrorIs(t, err, factory.ErrPaymentNotCompleted)

	_, err = p.PurchaseFromPayment(factory.PaymentEvent{TransactionID: "x", UserID: "buyer", PackageID: "nope", Status: "paid"})
	assert.ErrorIs(t, err, factory.ErrUnknownPackage)
}

func TestLoadPricing_OverridesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.toml")
	content := `
fallback_rate = "50"

[[gifts]]
id = "star"
name = "Star"
emoji = "⭐"
coin_value = 25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := factory.LoadPricing(path)
	require.NoError(t, err)

	g, err := p.Gift("star")
	require.NoError(t, err)
	assert.Equal(t, int64(25), g.CoinValue)

	_, err = p.Gift("rose")
	assert.ErrorIs(t, err, factory.ErrUnknownGift, "gift section replaced")

	_, err = p.PackageByID("coins_500")
	assert.NoError(t, err, "packages keep defaults")

	coins, err := p.CoinsForAmount(decimal.RequireFromString("2"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), coins)
}

func TestLoadPricing_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[gifts]]\nid = \"free\"\ncoin_value = 0\n"), 0o600))
	_, err := factory.LoadPricing(path)
	assert.Error(t, err)
}
