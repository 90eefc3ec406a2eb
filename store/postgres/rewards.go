package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/rewards"
)

// LastClaim returns the user's most recent daily claim.
func (s *Store) LastClaim(ctx context.Context, user ledger.AccountID) (rewards.Claim, bool, error) {
	c := rewards.Claim{UserID: user}
	err := s.pool.QueryRow(ctx, `
		SELECT claim_date, day_number, streak_count, coins_earned
		FROM daily_claims
		WHERE user_id = $1
		ORDER BY claim_date DESC
		LIMIT 1
	`, string(user)).Scan(&c.ClaimDate, &c.DayNumber, &c.StreakCount, &c.CoinsEarned)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.Claim{}, false, nil
	}
	if err != nil {
		return rewards.Claim{}, false, fmt.Errorf("failed to load claim: %w", err)
	}
	c.ClaimDate = c.ClaimDate.UTC()
	return c, true, nil
}

// SaveClaim records a claim. Saving the same day twice keeps the first row.
func (s *Store) SaveClaim(ctx context.Context, c rewards.Claim) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_claims (user_id, claim_date, day_number, streak_count, coins_earned)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, claim_date) DO NOTHING
	`, string(c.UserID), c.ClaimDate.UTC(), c.DayNumber, c.StreakCount, c.CoinsEarned)
	if err != nil {
		return fmt.Errorf("failed to save claim: %w", err)
	}
	return nil
}

const coinRequestColumns = `id, user_id, message, requested_amount, status, approved_amount,
	coin_type, admin_response, processed_by, processed_at, created_at`

// SaveCoinRequest upserts a coin request.
func (s *Store) SaveCoinRequest(ctx context.Context, r rewards.CoinRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO coin_requests (`+coinRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			approved_amount = EXCLUDED.approved_amount,
			coin_type = EXCLUDED.coin_type,
			admin_response = EXCLUDED.admin_response,
			processed_by = EXCLUDED.processed_by,
			processed_at = EXCLUDED.processed_at
	`, r.ID, string(r.UserID), r.Message, r.RequestedAmount, string(r.Status), r.ApprovedAmount,
		string(r.CoinType), r.AdminResponse, r.ProcessedBy, utc(r.ProcessedAt), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save coin request: %w", err)
	}
	return nil
}

// GetCoinRequest loads a coin request.
func (s *Store) GetCoinRequest(ctx context.Context, id string) (rewards.CoinRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+coinRequestColumns+` FROM coin_requests WHERE id = $1`, id)
	r, err := scanCoinRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.CoinRequest{}, rewards.ErrRequestNotFound
	}
	return r, err
}

// ListCoinRequests returns requests, oldest first. Empty filters match any.
func (s *Store) ListCoinRequests(ctx context.Context, user ledger.AccountID, status rewards.RequestStatus) ([]rewards.CoinRequest, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	if user != "" {
		args = append(args, string(user))
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, string(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+coinRequestColumns+` FROM coin_requests
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coin requests: %w", err)
	}
	defer rows.Close()

	var requests []rewards.CoinRequest
	for rows.Next() {
		r, err := scanCoinRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanCoinRequest(r rowScanner) (rewards.CoinRequest, error) {
	var (
		req                    rewards.CoinRequest
		user, status, coinType string
	)
	err := r.Scan(&req.ID, &user, &req.Message, &req.RequestedAmount, &status, &req.ApprovedAmount,
		&coinType, &req.AdminResponse, &req.ProcessedBy, &req.ProcessedAt, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return req, err
		}
		return req, fmt.Errorf("failed to scan coin request: %w", err)
	}
	req.UserID = ledger.AccountID(user)
	req.Status = rewards.RequestStatus(status)
	req.CoinType = rewards.CoinType(coinType)
	req.ProcessedAt = utc(req.ProcessedAt)
	req.CreatedAt = req.CreatedAt.UTC()
	return req, nil
}
