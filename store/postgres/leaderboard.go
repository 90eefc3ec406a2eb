package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
)

// IncrementPair adds one gift to a (gifter, recipient) row, creating it.
func (s *Store) IncrementPair(ctx context.Context, gifter, recipient ledger.AccountID, coins int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leaderboard_pairs (gifter_id, recipient_id, total_coins, total_gifts, last_gift_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (gifter_id, recipient_id) DO UPDATE SET
			total_coins = leaderboard_pairs.total_coins + EXCLUDED.total_coins,
			total_gifts = leaderboard_pairs.total_gifts + 1,
			last_gift_at = GREATEST(leaderboard_pairs.last_gift_at, EXCLUDED.last_gift_at)
	`, string(gifter), string(recipient), coins, at.UTC())
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
		WHERE recipient_id = $1
		ORDER BY total_coins DESC, last_gift_at ASC
		LIMIT $2
	`, string(recipient), limit)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_pairs`); err != nil {
		return fmt.Errorf("failed to clear leaderboard: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO leaderboard_pairs (gifter_id, recipient_id, total_coins, total_gifts, last_gift_at)
			VALUES ($1, $2, $3, $4, $5)
		`, string(e.GifterID), string(e.RecipientID), e.TotalCoinsGifted, e.TotalGiftsSent, e.LastGiftDate.UTC())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert leaderboard rows: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) queryPairs(ctx context.Context, query string, args ...any) ([]leaderboard.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []leaderboard.Entry
	for rows.Next() {
		var (
			e                 leaderboard.Entry
			gifter, recipient string
		)
		if err := rows.Scan(&gifter, &recipient, &e.TotalCoinsGifted, &e.TotalGiftsSent, &e.LastGiftDate); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		e.GifterID = ledger.AccountID(gifter)
		e.RecipientID = ledger.AccountID(recipient)
		e.LastGiftDate = e.LastGiftDate.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveStream upserts a stream session without touching its gift total.
// Sessions of other streamers are not overwritten.
func (s *Store) SaveStream(ctx context.Context, st leaderboard.StreamSession) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stream_sessions
		(id, streamer_id, streamer_name, title, started_at, ended_at, viewer_count, likes, troll_points, total_gifts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			streamer_name = EXCLUDED.streamer_name,
			title = EXCLUDED.title,
			ended_at = EXCLUDED.ended_at,
			viewer_count = EXCLUDED.viewer_count,
			likes = EXCLUDED.likes,
			troll_points = EXCLUDED.troll_points
		WHERE stream_sessions.streamer_id = EXCLUDED.streamer_id
	`, st.ID, string(st.StreamerID), st.StreamerName, st.Title, st.StartedAt.UTC(), utc(st.EndedAt),
		st.ViewerCount, st.Likes, st.TrollPoints, st.TotalGifts)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leaderboard.ErrNotStreamOwner
	}
	return nil
}

const streamColumns = `id, streamer_id, streamer_name, title, started_at, ended_at,
	viewer_count, likes, troll_points, total_gifts`

// GetStream loads a stream session.
func (s *Store) GetStream(ctx context.Context, id string) (leaderboard.StreamSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM stream_sessions WHERE id = $1`, id)
	st, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return leaderboard.StreamSession{}, leaderboard.ErrStreamNotFound
	}
	return st, err
}

// AddStreamGifts increments a stream's gift total.
func (s *Store) AddStreamGifts(ctx context.Context, id string, coins int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stream_sessions SET total_gifts = total_gifts + $1 WHERE id = $2
	`, coins, id)
	if err != nil {
		return fmt.Errorf("failed to update stream gifts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leaderboard.ErrStreamNotFound
	}
	return nil
}

// StreamsStartedSince returns sessions started at or after since.
func (s *Store) StreamsStartedSince(ctx context.Context, since time.Time) ([]leaderboard.StreamSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+streamColumns+` FROM stream_sessions
		WHERE started_at >= $1
		ORDER BY started_at ASC
	`, since.UTC())
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

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(r rowScanner) (leaderboard.StreamSession, error) {
	var (
		st       leaderboard.StreamSession
		streamer string
	)
	err := r.Scan(&st.ID, &streamer, &st.StreamerName, &st.Title, &st.StartedAt, &st.EndedAt,
		&st.ViewerCount, &st.Likes, &st.TrollPoints, &st.TotalGifts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, err
		}
		return st, fmt.Errorf("failed to scan stream: %w", err)
	}
	st.StreamerID = ledger.AccountID(streamer)
	st.StartedAt = st.StartedAt.UTC()
	st.EndedAt = utc(st.EndedAt)
	return st, nil
}
