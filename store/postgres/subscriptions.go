package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/subscription"
)

// SaveTier upserts a subscription tier without touching its subscriber count.
func (s *Store) SaveTier(ctx context.Context, t subscription.Tier) error {
	benefits := t.Benefits
	if benefits == nil {
		benefits = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_tiers
		(id, streamer_id, name, level, price_coins, price_usd, badge_emoji, benefits, active, subscriber_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			level = EXCLUDED.level,
			price_coins = EXCLUDED.price_coins,
			price_usd = EXCLUDED.price_usd,
			badge_emoji = EXCLUDED.badge_emoji,
			benefits = EXCLUDED.benefits,
			active = EXCLUDED.active
	`, t.ID, string(t.StreamerID), t.Name, t.Level, t.PriceCoins, t.PriceUSD.String(), t.BadgeEmoji,
		benefits, t.Active, t.SubscriberCount, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return nil
}

const tierColumns = `id, streamer_id, name, level, price_coins, price_usd::text, badge_emoji,
	benefits, active, subscriber_count, created_at`

// GetTier loads a tier.
func (s *Store) GetTier(ctx context.Context, id string) (subscription.Tier, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tierColumns+` FROM subscription_tiers WHERE id = $1`, id)
	t, err := scanTier(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return subscription.Tier{}, subscription.ErrTierNotFound
	}
	return t, err
}

// ListTiers returns a streamer's tiers ordered by level.
func (s *Store) ListTiers(ctx context.Context, streamer ledger.AccountID) ([]subscription.Tier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tierColumns+` FROM subscription_tiers
		WHERE streamer_id = $1
		ORDER BY level ASC, created_at ASC
	`, string(streamer))
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscription_tiers
		SET subscriber_count = GREATEST(0, subscriber_count + $1)
		WHERE id = $2
	`, delta, tierID)
	if err != nil {
		return fmt.Errorf("failed to adjust subscriber count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrTierNotFound
	}
	return nil
}

func scanTier(r rowScanner) (subscription.Tier, error) {
	var (
		t                  subscription.Tier
		streamer, priceUSD string
	)
	err := r.Scan(&t.ID, &streamer, &t.Name, &t.Level, &t.PriceCoins, &priceUSD, &t.BadgeEmoji,
		&t.Benefits, &t.Active, &t.SubscriberCount, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan tier: %w", err)
	}
	if t.PriceUSD, err = decimal.NewFromString(priceUSD); err != nil {
		return t, fmt.Errorf("invalid tier price %q: %w", priceUSD, err)
	}
	if len(t.Benefits) == 0 {
		t.Benefits = nil
	}
	t.StreamerID = ledger.AccountID(streamer)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// SaveSubscription upserts a subscription.
func (s *Store) SaveSubscription(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions
		(id, subscriber_id, streamer_id, tier_id, status, start_date, end_date, auto_renew, cycle, price_paid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tier_id = EXCLUDED.tier_id,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			auto_renew = EXCLUDED.auto_renew,
			cycle = EXCLUDED.cycle,
			price_paid = EXCLUDED.price_paid,
			updated_at = EXCLUDED.updated_at
	`, sub.ID, string(sub.SubscriberID), string(sub.StreamerID), sub.TierID, string(sub.Status),
		sub.StartDate.UTC(), sub.EndDate.UTC(), sub.AutoRenew, sub.Cycle, sub.PricePaid, sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, subscriber_id, streamer_id, tier_id, status, start_date, end_date,
	auto_renew, cycle, price_paid, updated_at`

// GetSubscription loads a subscription.
func (s *Store) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return sub, err
}

// ActiveSubscription returns the subscriber's active subscription to a streamer.
func (s *Store) ActiveSubscription(ctx context.Context, subscriber, streamer ledger.AccountID) (subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = $1 AND streamer_id = $2 AND status = $3
		ORDER BY end_date DESC
		LIMIT 1
	`, string(subscriber), string(streamer), string(subscription.StatusActive))
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return sub, err
}

// ListSubscriptions returns a subscriber's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, subscriber ledger.AccountID) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = $1
		ORDER BY start_date DESC
	`, string(subscriber))
}

// DueSubscriptions returns active subscriptions whose period ended by now.
func (s *Store) DueSubscriptions(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND end_date <= $2
		ORDER BY end_date ASC
	`, string(subscription.StatusActive), now.UTC())
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
		sub                          subscription.Subscription
		subscriber, streamer, status string
	)
	err := r.Scan(&sub.ID, &subscriber, &streamer, &sub.TierID, &status, &sub.StartDate, &sub.EndDate,
		&sub.AutoRenew, &sub.Cycle, &sub.PricePaid, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sub, err
		}
		return sub, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.SubscriberID = ledger.AccountID(subscriber)
	sub.StreamerID = ledger.AccountID(streamer)
	sub.Status = subscription.Status(status)
	sub.StartDate = sub.StartDate.UTC()
	sub.EndDate = sub.EndDate.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}
