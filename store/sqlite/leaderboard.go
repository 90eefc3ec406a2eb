package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
)

// =============================================================================
// SUPPORTER ROLLUP
// =============================================================================

// IncrementPair adds one gift to a (gifter, recipient) row, creating it.
func (s *Store) IncrementPair(ctx context.Context, gifter, recipient ledger.AccountID, coins int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaderboard_pairs (gifter_id, recipient_id, total_coins, total_gifts, last_gift_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(gifter_id, recipient_id) DO UPDATE SET
			total_coins = total_coins + excluded.total_coins,
			total_gifts = total_gifts + 1,
			last_gift_at = MAX(last_gift_at, excluded.last_gift_at)
	`, gifter, recipient, coins, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to increment leaderboard: %w", err)
	}
	return nil
}

// TopPairs returns a recipient's supporters, biggest first.
func (s *Store) TopPairs(ctx context.Context, recipient ledger.AccountID, limit int) ([]leaderboard.Entry, error) {
	return s.queryPairs(ctx, `
		SELECT gifter_id, recipient_id, total_coins, total_gifts, last_gift_at
		FROM leaderboard_pairs
		WHERE recipient_id = ?
		ORDER BY total_coins DESC, last_gift_at ASC
		LIMIT ?
	`, recipient, limit)
}

// ListPairs returns the whole rollup.
func (s *Store) ListPairs(ctx context.Context) ([]leaderboard.Entry, error) {
	return s.queryPairs(ctx, `
		SELECT gifter_id, recipient_id, total_coins, total_gifts, last_gift_at
		FROM leaderboard_pairs
	`)
}

// ReplacePairs swaps the rollup for a rebuilt one in a single transaction.
func (s *Store) ReplacePairs(ctx context.Context, entries []leaderboard.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_pairs`); err != nil {
		return fmt.Errorf("failed to clear leaderboard: %w", err)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leaderboard_pairs (gifter_id, recipient_id, total_coins, total_gifts, last_gift_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.GifterID, e.RecipientID, e.TotalCoinsGifted, e.TotalGiftsSent, formatTime(e.LastGiftDate))
		if err != nil {
			return fmt.Errorf("failed to insert leaderboard row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) queryPairs(ctx context.Context, query string, args ...any) ([]leaderboard.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []leaderboard.Entry
	for rows.Next() {
		var (
			e    leaderboard.Entry
			last string
		)
		if err := rows.Scan(&e.GifterID, &e.RecipientID, &e.TotalCoinsGifted, &e.TotalGiftsSent, &last); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		e.LastGiftDate = parseTime(last)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// STREAM SESSIONS
// =============================================================================

// SaveStream upserts a stream session. The gift total is owned by
// AddStreamGifts and is not overwritten. A session owned by another
// streamer is left untouched and reported as ErrNotStreamOwner.
func (s *Store) SaveStream(ctx context.Context, st leaderboard.StreamSession) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_sessions
		(id, streamer_id, streamer_name, title, started_at, ended_at, viewer_count, likes, troll_points, total_gifts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			streamer_name = excluded.streamer_name,
			title = excluded.title,
			ended_at = excluded.ended_at,
			viewer_count = excluded.viewer_count,
			likes = excluded.likes,
			troll_points = excluded.troll_points
		WHERE stream_sessions.streamer_id = excluded.streamer_id
	`, st.ID, st.StreamerID, st.StreamerName, st.Title, formatTime(st.StartedAt), nullTime(st.EndedAt),
		st.ViewerCount, st.Likes, st.TrollPoints, st.TotalGifts)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaderboard.ErrNotStreamOwner
	}
	return nil
}

// GetStream loads a stream session.
func (s *Store) GetStream(ctx context.Context, id string) (leaderboard.StreamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, streamer_id, streamer_name, title, started_at, ended_at, viewer_count, likes, troll_points, total_gifts
		FROM stream_sessions WHERE id = ?
	`, id)
	st, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leaderboard.StreamSession{}, leaderboard.ErrStreamNotFound
	}
	return st, err
}

// AddStreamGifts increments a stream's gift total.
func (s *Store) AddStreamGifts(ctx context.Context, id string, coins int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stream_sessions SET total_gifts = total_gifts + ? WHERE id = ?
	`, coins, id)
	if err != nil {
		return fmt.Errorf("failed to update stream gifts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaderboard.ErrStreamNotFound
	}
	return nil
}

// StreamsStartedSince returns sessions started at or after since.
func (s *Store) StreamsStartedSince(ctx context.Context, since time.Time) ([]leaderboard.StreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, streamer_id, streamer_name, title, started_at, ended_at, viewer_count, likes, troll_points, total_gifts
		FROM stream_sessions
		WHERE started_at >= ?
		ORDER BY started_at ASC
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	defer rows.Close()

	var sessions []leaderboard.StreamSession
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, st)
	}
	return sessions, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(r rowScanner) (leaderboard.StreamSession, error) {
	var (
		st        leaderboard.StreamSession
		startedAt string
		endedAt   sql.NullString
	)
	err := r.Scan(&st.ID, &st.StreamerID, &st.StreamerName, &st.Title, &startedAt, &endedAt,
		&st.ViewerCount, &st.Likes, &st.TrollPoints, &st.TotalGifts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, err
		}
		return st, fmt.Errorf("failed to scan stream: %w", err)
	}
	st.StartedAt = parseTime(startedAt)
	st.EndedAt = parseNullTime(endedAt)
	return st, nil
}
