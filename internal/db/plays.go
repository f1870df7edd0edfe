package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PlayRepository handles listening-history database operations.
type PlayRepository struct {
	pool *pgxpool.Pool
}

// HistoryFilter narrows a history listing.
type HistoryFilter struct {
	Limit  int
	Offset int
	Start  *time.Time
	End    *time.Time
}

// HistoryStats summarizes listening over a period.
type HistoryStats struct {
	TotalTracks   int
	TotalMs       int64
	UniqueArtists int
}

// InsertBatch inserts plays, silently skipping rows whose
// (user_id, track_id, played_at) tuple already exists. Returns the
// number of rows actually inserted. The unique constraint is what makes
// overlapping poll windows safe; conflicts are expected, not errors.
func (r *PlayRepository) InsertBatch(ctx context.Context, plays []Play) (int, error) {
	if len(plays) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO listening_history
			(id, user_id, track_id, track_name, artist_name, album_name, album_image_url, duration_ms, played_at)
		SELECT * FROM unnest(
			$1::uuid[], $2::uuid[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::int[], $9::timestamptz[])
		ON CONFLICT (user_id, track_id, played_at) DO NOTHING
	`

	ids := make([]string, len(plays))
	userIDs := make([]string, len(plays))
	trackIDs := make([]string, len(plays))
	trackNames := make([]string, len(plays))
	artistNames := make([]string, len(plays))
	albumNames := make([]string, len(plays))
	albumImages := make([]*string, len(plays))
	durations := make([]int, len(plays))
	playedAts := make([]time.Time, len(plays))

	for i, p := range plays {
		ids[i] = p.ID
		userIDs[i] = p.UserID
		trackIDs[i] = p.TrackID
		trackNames[i] = p.TrackName
		artistNames[i] = p.ArtistName
		albumNames[i] = p.AlbumName
		albumImages[i] = p.AlbumImageURL
		durations[i] = p.DurationMs
		playedAts[i] = p.PlayedAt
	}

	tag, err := r.pool.Exec(ctx, query,
		ids, userIDs, trackIDs, trackNames, artistNames,
		albumNames, albumImages, durations, playedAts,
	)
	if err != nil {
		return 0, fmt.Errorf("batch inserting plays: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// List retrieves plays for a user, newest first.
func (r *PlayRepository) List(ctx context.Context, userID string, filter HistoryFilter) ([]Play, error) {
	query := `
		SELECT id, user_id, track_id, track_name, artist_name, album_name, album_image_url, duration_ms, played_at
		FROM listening_history
		WHERE user_id = $1
	`
	args := []any{userID}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		query += fmt.Sprintf(" AND played_at >= $%d", len(args))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		query += fmt.Sprintf(" AND played_at <= $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY played_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var plays []Play
	for rows.Next() {
		var p Play
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.TrackID,
			&p.TrackName,
			&p.ArtistName,
			&p.AlbumName,
			&p.AlbumImageURL,
			&p.DurationMs,
			&p.PlayedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning play: %w", err)
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// ListOn retrieves every play for a user on the given UTC calendar day,
// ordered by played_at then track_id so aggregation over the result is
// deterministic.
func (r *PlayRepository) ListOn(ctx context.Context, userID string, day time.Time) ([]Play, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query := `
		SELECT id, user_id, track_id, track_name, artist_name, album_name, album_image_url, duration_ms, played_at
		FROM listening_history
		WHERE user_id = $1 AND played_at >= $2 AND played_at < $3
		ORDER BY played_at ASC, track_id ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying day history: %w", err)
	}
	defer rows.Close()

	var plays []Play
	for rows.Next() {
		var p Play
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.TrackID,
			&p.TrackName,
			&p.ArtistName,
			&p.AlbumName,
			&p.AlbumImageURL,
			&p.DurationMs,
			&p.PlayedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning play: %w", err)
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// Stats computes listening totals for a user since the given time.
func (r *PlayRepository) Stats(ctx context.Context, userID string, since time.Time) (*HistoryStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(duration_ms), 0), COUNT(DISTINCT artist_name)
		FROM listening_history
		WHERE user_id = $1 AND played_at >= $2
	`
	var stats HistoryStats
	err := r.pool.QueryRow(ctx, query, userID, since).Scan(
		&stats.TotalTracks,
		&stats.TotalMs,
		&stats.UniqueArtists,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history stats: %w", err)
	}
	return &stats, nil
}
