/*
Package factory builds ledger operations from outside inputs.

PURPOSE:
  The engine only understands coin amounts. This package owns the
  conversions around it:
  - Coin packages and custom-amount tiers (USD -> coins) for purchases
  - The flat 100 coins per USD rate used for tips and entrance effects
  - The gift catalog and entrance effect prices
  - Builders turning payment webhooks and admin actions into operations

PRICING FILE:
  Defaults are built in. A TOML file can replace any section:

    fallback_rate = "77"
    min_custom_usd = "0.99"
    max_custom_usd = "500"

    [[packages]]
    id = "starter"
    price_usd = "6.49"
    coins = 500

    [[tiers]]
    min_usd = "6.49"
    coins = 500

    [[gifts]]
    id = "rose"
    name = "Rose"
    emoji = "🌹"
    coin_value = 10

SEE ALSO:
  - operations.go: Operation builders
*/
package factory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownPackage = errors.New("unknown coin package")
	ErrUnknownGift    = errors.New("unknown gift")
	ErrUnknownEffect  = errors.New("unknown entrance effect")
	ErrAmountRange    = errors.New("amount out of range")
)

// CoinsPerUSD is the flat rate for tips and entrance effects.
var CoinsPerUSD = decimal.NewFromInt(100)

// =============================================================================
// PRICING TYPES
// =============================================================================

// Package is a fixed coin bundle. Coins already include Bonus.
type Package struct {
	ID       string          `toml:"id" json:"id"`
	PriceUSD decimal.Decimal `toml:"price_usd" json:"price_usd"`
	Coins    int64           `toml:"coins" json:"coins"`
	Bonus    int64           `toml:"bonus" json:"bonus"`
	Popular  bool            `toml:"popular" json:"popular,omitempty"`
}

// Tier maps a custom USD amount at or above MinUSD to a coin count.
type Tier struct {
	MinUSD decimal.Decimal `toml:"min_usd" json:"min_usd"`
	Coins  int64           `toml:"coins" json:"coins"`
}

// GiftItem is a sendable gift.
type GiftItem struct {
	ID        string `toml:"id" json:"id"`
	Name      string `toml:"name" json:"name"`
	Emoji     string `toml:"emoji" json:"emoji"`
	CoinValue int64  `toml:"coin_value" json:"coin_value"`
}

// Effect is a purchasable entrance effect.
type Effect struct {
	ID       string          `toml:"id" json:"id"`
	Name     string          `toml:"name" json:"name"`
	PriceUSD decimal.Decimal `toml:"price_usd" json:"price_usd"`
}

// Pricing is the static pricing table.
type Pricing struct {
	Packages     []Package       `toml:"packages" json:"packages"`
	Tiers        []Tier          `toml:"tiers" json:"tiers"`
	FallbackRate decimal.Decimal `toml:"fallback_rate" json:"fallback_rate"`
	MinCustomUSD decimal.Decimal `toml:"min_custom_usd" json:"min_custom_usd"`
	MaxCustomUSD decimal.Decimal `toml:"max_custom_usd" json:"max_custom_usd"`
	Gifts        []GiftItem      `toml:"gifts" json:"gifts"`
	Effects      []Effect        `toml:"effects" json:"effects"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultPricing returns the built-in table.
func DefaultPricing() *Pricing {
	return &Pricing{
		Packages: []Package{
			{ID: "coins_500", PriceUSD: usd("6.49"), Coins: 500},
			{ID: "coins_1370", PriceUSD: usd("12.99"), Coins: 1370, Bonus: 70},
			{ID: "coins_3140", PriceUSD: usd("19.99"), Coins: 3140, Bonus: 140, Popular: true},
			{ID: "coins_6850", PriceUSD: usd("49.99"), Coins: 6850, Bonus: 850},
			{ID: "coins_19700", PriceUSD: usd("139.99"), Coins: 19700, Bonus: 5700},
			{ID: "coins_39900", PriceUSD: usd("279.99"), Coins: 39900, Bonus: 11900},
		},
		Tiers: []Tier{
			{MinUSD: usd("279.99"), Coins: 39900},
			{MinUSD: usd("139.99"), Coins: 19700},
			{MinUSD: usd("49.99"), Coins: 6850},
			{MinUSD: usd("19.99"), Coins: 3140},
			{MinUSD: usd("12.99"), Coins: 1370},
			{MinUSD: usd("6.49"), Coins: 500},
		},
		FallbackRate: decimal.NewFromInt(77),
		MinCustomUSD: usd("0.99"),
		MaxCustomUSD: usd("500"),
		Gifts: []GiftItem{
			{ID: "rose", Name: "Rose", Emoji: "🌹", CoinValue: 10},
			{ID: "heart", Name: "Heart", Emoji: "❤️", CoinValue: 50},
			{ID: "crown", Name: "Crown", Emoji: "👑", CoinValue: 500},
			{ID: "rocket", Name: "Rocket", Emoji: "🚀", CoinValue: 1000},
		},
		Effects: []Effect{
			{ID: "sparkle", Name: "Sparkle", PriceUSD: usd("0.99")},
			{ID: "fireworks", Name: "Fireworks", PriceUSD: usd("2.99")},
			{ID: "dragon", Name: "Dragon", PriceUSD: usd("9.99")},
		},
	}
}

// LoadPricing reads a TOML file over the defaults. Sections present in the
// file replace the default sections; absent ones keep their defaults.
func LoadPricing(path string) (*Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	var file Pricing
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	if meta.IsDefined("packages") {
		p.Packages = file.Packages
	}
	if meta.IsDefined("tiers") {
		p.Tiers = file.Tiers
	}
	if meta.IsDefined("fallback_rate") {
		p.FallbackRate = file.FallbackRate
	}
	if meta.IsDefined("min_custom_usd") {
		p.MinCustomUSD = file.MinCustomUSD
	}
	if meta.IsDefined("max_custom_usd") {
		p.MaxCustomUSD = file.MaxCustomUSD
	}
	if meta.IsDefined("gifts") {
		p.Gifts = file.Gifts
	}
	if meta.IsDefined("effects") {
		p.Effects = file.Effects
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the table for unusable entries.
func (p *Pricing) Validate() error {
	for _, pkg := range p.Packages {
		if pkg.ID == "" || pkg.Coins <= 0 || !pkg.PriceUSD.IsPositive() {
			return fmt.Errorf("invalid package %q", pkg.ID)
		}
	}
	for _, t := range p.Tiers {
		if t.Coins <= 0 || !t.MinUSD.IsPositive() {
			return fmt.Errorf("invalid tier at %s", t.MinUSD)
		}
	}
	for _, g := range p.Gifts {
		if g.ID == "" || g.CoinValue <= 0 {
			return fmt.Errorf("invalid gift %q", g.ID)
		}
	}
	for _, e := range p.Effects {
		if e.ID == "" || !e.PriceUSD.IsPositive() {
			return fmt.Errorf("invalid effect %q", e.ID)
		}
	}
	if p.MaxCustomUSD.LessThan(p.MinCustomUSD) {
		return errors.New("max_custom_usd below min_custom_usd")
	}
	return nil
}

// =============================================================================
// LOOKUPS AND CONVERSIONS
// =============================================================================

// PackageByID returns a coin package.
func (p *Pricing) PackageByID(id string) (Package, error) {
	for _, pkg := range p.Packages {
		if pkg.ID == id {
			return pkg, nil
		}
	}
	return Package{}, fmt.Errorf("%w: %s", ErrUnknownPackage, id)
}

// Gift returns a catalog gift.
func (p *Pricing) Gift(id string) (GiftItem, error) {
	for _, g := range p.Gifts {
		if g.ID == id {
			return g, nil
		}
	}
	return GiftItem{}, fmt.Errorf("%w: %s", ErrUnknownGift, id)
}

// Effect returns an entrance effect.
func (p *Pricing) Effect(id string) (Effect, error) {
	for _, e := range p.Effects {
		if e.ID == id {
			return e, nil
		}
	}
	return Effect{}, fmt.Errorf("%w: %s", ErrUnknownEffect, id)
}

// CoinsForAmount converts a custom USD amount using the tier table, with
// the fallback rate below the lowest tier.
func (p *Pricing) CoinsForAmount(amount decimal.Decimal) (int64, error) {
	if amount.LessThan(p.MinCustomUSD) || amount.GreaterThan(p.MaxCustomUSD) {
		return 0, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountRange, amount, p.MinCustomUSD, p.MaxCustomUSD)
	}
	tiers := make([]Tier, len(p.Tiers))
	copy(tiers, p.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinUSD.GreaterThan(tiers[j].MinUSD) })
	for _, t := range tiers {
		if amount.GreaterThanOrEqual(t.MinUSD) {
			return t.Coins, nil
		}
	}
	return amount.Mul(p.FallbackRate).Floor().IntPart(), nil
}

// USDToCoins converts at the flat tip rate, rounding down.
func USDToCoins(amount decimal.Decimal) int64 {
	return amount.Mul(CoinsPerUSD).Floor().IntPart()
}
