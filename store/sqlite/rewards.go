package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/rewards"
)

// =============================================================================
// DAILY CLAIMS
// =============================================================================

// LastClaim returns the user's most recent daily claim.
func (s *Store) LastClaim(ctx context.Context, user ledger.AccountID) (rewards.Claim, bool, error) {
	var (
		c         rewards.Claim
		claimDate string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, claim_date, day_number, streak_count, coins_earned
		FROM daily_claims
		WHERE user_id = ?
		ORDER BY claim_date DESC
		LIMIT 1
	`, user).Scan(&c.UserID, &claimDate, &c.DayNumber, &c.StreakCount, &c.CoinsEarned)
	if errors.Is(err, sql.ErrNoRows) {
		return rewards.Claim{}, false, nil
	}
	if err != nil {
		return rewards.Claim{}, false, fmt.Errorf("failed to load claim: %w", err)
	}
	c.ClaimDate = parseTime(claimDate)
	return c, true, nil
}

// SaveClaim records a claim. Saving the same day twice keeps the first row.
func (s *Store) SaveClaim(ctx context.Context, c rewards.Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_claims (user_id, claim_date, day_number, streak_count, coins_earned)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, claim_date) DO NOTHING
	`, c.UserID, formatTime(c.ClaimDate), c.DayNumber, c.StreakCount, c.CoinsEarned)
	if err != nil {
		return fmt.Errorf("failed to save claim: %w", err)
	}
	return nil
}

// =============================================================================
// COIN REQUESTS
// =============================================================================

const coinRequestColumns = `id, user_id, message, requested_amount, status, approved_amount,
	coin_type, admin_response, processed_by, processed_at, created_at`

// SaveCoinRequest upserts a coin request.
func (s *Store) SaveCoinRequest(ctx context.Context, r rewards.CoinRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coin_requests (`+coinRequestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			approved_amount = excluded.approved_amount,
			coin_type = excluded.coin_type,
			admin_response = excluded.admin_response,
			processed_by = excluded.processed_by,
			processed_at = excluded.processed_at
	`, r.ID, r.UserID, r.Message, r.RequestedAmount, r.Status, r.ApprovedAmount,
		r.CoinType, r.AdminResponse, r.ProcessedBy, nullTime(r.ProcessedAt), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save coin request: %w", err)
	}
	return nil
}

// GetCoinRequest loads a coin request.
func (s *Store) GetCoinRequest(ctx context.Context, id string) (rewards.CoinRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+coinRequestColumns+` FROM coin_requests WHERE id = ?
	`, id)
	r, err := scanCoinRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rewards.CoinRequest{}, rewards.ErrRequestNotFound
	}
	return r, err
}

// ListCoinRequests returns requests, oldest first. Empty filters match any.
func (s *Store) ListCoinRequests(ctx context.Context, user ledger.AccountID, status rewards.RequestStatus) ([]rewards.CoinRequest, error) {
	var (
		where = []string{"1 = 1"}
		args  []any
	)
	if user != "" {
		where = append(where, "user_id = ?")
		args = append(args, user)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, `
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
		req         rewards.CoinRequest
		processedAt sql.NullString
		createdAt   string
	)
	err := r.Scan(&req.ID, &req.UserID, &req.Message, &req.RequestedAmount, &req.Status, &req.ApprovedAmount,
		&req.CoinType, &req.AdminResponse, &req.ProcessedBy, &processedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return req, err
		}
		return req, fmt.Errorf("failed to scan coin request: %w", err)
	}
	req.ProcessedAt = parseNullTime(processedAt)
	req.CreatedAt = parseTime(createdAt)
	return req, nil
}
