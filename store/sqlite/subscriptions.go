package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/subscription"
)

// =============================================================================
// TIERS
// =============================================================================

// SaveTier upserts a subscription tier. The subscriber count is owned by
// AdjustSubscriberCount and is not overwritten.
func (s *Store) SaveTier(ctx context.Context, t subscription.Tier) error {
	benefits, err := json.Marshal(t.Benefits)
	if err != nil {
		return fmt.Errorf("failed to encode benefits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscription_tiers
		(id, streamer_id, name, level, price_coins, price_usd, badge_emoji, benefits_json, active, subscriber_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			level = excluded.level,
			price_coins = excluded.price_coins,
			price_usd = excluded.price_usd,
			badge_emoji = excluded.badge_emoji,
			benefits_json = excluded.benefits_json,
			active = excluded.active
	`, t.ID, t.StreamerID, t.Name, t.Level, t.PriceCoins, t.PriceUSD.String(), t.BadgeEmoji,
		string(benefits), t.Active, t.SubscriberCount, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return nil
}

// GetTier loads a tier.
func (s *Store) GetTier(ctx context.Context, id string) (subscription.Tier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tierColumns+` FROM subscription_tiers WHERE id = ?
	`, id)
	t, err := scanTier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Tier{}, subscription.ErrTierNotFound
	}
	return t, err
}

// ListTiers returns a streamer's tiers ordered by level.
func (s *Store) ListTiers(ctx context.Context, streamer ledger.AccountID) ([]subscription.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tierColumns+` FROM subscription_tiers
		WHERE streamer_id = ?
		ORDER BY level ASC, created_at ASC
	`, streamer)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	var tiers []subscription.Tier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// AdjustSubscriberCount moves a tier's subscriber count, never below zero.
func (s *Store) AdjustSubscriberCount(ctx context.Context, tierID string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscription_tiers
		SET subscriber_count = MAX(0, subscriber_count + ?)
		WHERE id = ?
	`, delta, tierID)
	if err != nil {
		return fmt.Errorf("failed to adjust subscriber count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return subscription.ErrTierNotFound
	}
	return nil
}

const tierColumns = `id, streamer_id, name, level, price_coins, price_usd, badge_emoji,
	benefits_json, active, subscriber_count, created_at`

func scanTier(r rowScanner) (subscription.Tier, error) {
	var (
		t         subscription.Tier
		priceUSD  string
		benefits  sql.NullString
		createdAt string
	)
	err := r.Scan(&t.ID, &t.StreamerID, &t.Name, &t.Level, &t.PriceCoins, &priceUSD, &t.BadgeEmoji,
		&benefits, &t.Active, &t.SubscriberCount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan tier: %w", err)
	}
	if t.PriceUSD, err = decimal.NewFromString(priceUSD); err != nil {
		return t, fmt.Errorf("invalid tier price %q: %w", priceUSD, err)
	}
	if benefits.Valid && benefits.String != "" && benefits.String != "null" {
		if err := json.Unmarshal([]byte(benefits.String), &t.Benefits); err != nil {
			return t, fmt.Errorf("failed to decode benefits: %w", err)
		}
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// SaveSubscription upserts a subscription.
func (s *Store) SaveSubscription(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, subscriber_id, streamer_id, tier_id, status, start_date, end_date, auto_renew, cycle, price_paid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier_id = excluded.tier_id,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			auto_renew = excluded.auto_renew,
			cycle = excluded.cycle,
			price_paid = excluded.price_paid,
			updated_at = excluded.updated_at
	`, sub.ID, sub.SubscriberID, sub.StreamerID, sub.TierID, sub.Status,
		formatTime(sub.StartDate), formatTime(sub.EndDate), sub.AutoRenew, sub.Cycle, sub.PricePaid,
		formatTime(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription.
func (s *Store) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return sub, err
}

// ActiveSubscription returns the subscriber's active subscription to a streamer.
func (s *Store) ActiveSubscription(ctx context.Context, subscriber, streamer ledger.AccountID) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = ? AND streamer_id = ? AND status = ?
		ORDER BY end_date DESC
		LIMIT 1
	`, subscriber, streamer, subscription.StatusActive)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return sub, err
}

// ListSubscriptions returns a subscriber's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, subscriber ledger.AccountID) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = ?
		ORDER BY start_date DESC
	`, subscriber)
}

// DueSubscriptions returns active subscriptions whose period ended by now.
func (s *Store) DueSubscriptions(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND end_date <= ?
		ORDER BY end_date ASC
	`, subscription.StatusActive, formatTime(now))
}

const subscriptionColumns = `id, subscriber_id, streamer_id, tier_id, status, start_date, end_date,
	auto_renew, cycle, price_paid, updated_at`

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(r rowScanner) (subscription.Subscription, error) {
	var (
		sub                   subscription.Subscription
		start, end, updatedAt string
	)
	err := r.Scan(&sub.ID, &sub.SubscriberID, &sub.StreamerID, &sub.TierID, &sub.Status, &start, &end,
		&sub.AutoRenew, &sub.Cycle, &sub.PricePaid, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sub, err
		}
		return sub, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.StartDate = parseTime(start)
	sub.EndDate = parseTime(end)
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}
