package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecapRepository handles daily recap database operations.
type RecapRepository struct {
	pool *pgxpool.Pool
}

// Upsert stores a recap keyed by (user_id, recap_date). Regenerating a
// day overwrites the previous row.
func (r *RecapRepository) Upsert(ctx context.Context, recap *Recap) error {
	topTracks, err := json.Marshal(recap.TopTracks)
	if err != nil {
		return fmt.Errorf("encoding top tracks: %w", err)
	}
	topArtists, err := json.Marshal(recap.TopArtists)
	if err != nil {
		return fmt.Errorf("encoding top artists: %w", err)
	}

	query := `
		INSERT INTO daily_recaps (user_id, recap_date, total_tracks, total_ms, top_tracks, top_artists, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, recap_date) DO UPDATE SET
			total_tracks = EXCLUDED.total_tracks,
			total_ms = EXCLUDED.total_ms,
			top_tracks = EXCLUDED.top_tracks,
			top_artists = EXCLUDED.top_artists,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query,
		recap.UserID,
		recap.Date,
		recap.TotalTracks,
		recap.TotalMs,
		topTracks,
		topArtists,
	).Scan(&recap.CreatedAt, &recap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting recap: %w", err)
	}
	return nil
}

// Get retrieves the recap for a user and calendar day.
func (r *RecapRepository) Get(ctx context.Context, userID string, day time.Time) (*Recap, error) {
	query := `
		SELECT user_id, recap_date, total_tracks, total_ms, top_tracks, top_artists, created_at, updated_at
		FROM daily_recaps
		WHERE user_id = $1 AND recap_date = $2
	`
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	recap, err := scanRecap(r.pool.QueryRow(ctx, query, userID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying recap: %w", err)
	}
	return recap, nil
}

// List retrieves recent recaps for a user, newest day first.
func (r *RecapRepository) List(ctx context.Context, userID string, limit int) ([]Recap, error) {
	query := `
		SELECT user_id, recap_date, total_tracks, total_ms, top_tracks, top_artists, created_at, updated_at
		FROM daily_recaps
		WHERE user_id = $1
		ORDER BY recap_date DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recaps: %w", err)
	}
	defer rows.Close()

	var recaps []Recap
	for rows.Next() {
		recap, err := scanRecap(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recap: %w", err)
		}
		recaps = append(recaps, *recap)
	}
	return recaps, rows.Err()
}

func scanRecap(row pgx.Row) (*Recap, error) {
	var recap Recap
	var topTracks, topArtists []byte
	err := row.Scan(
		&recap.UserID,
		&recap.Date,
		&recap.TotalTracks,
		&recap.TotalMs,
		&topTracks,
		&topArtists,
		&recap.CreatedAt,
		&recap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(topTracks, &recap.TopTracks); err != nil {
		return nil, fmt.Errorf("decoding top tracks: %w", err)
	}
	if err := json.Unmarshal(topArtists, &recap.TopArtists); err != nil {
		return nil, fmt.Errorf("decoding top artists: %w", err)
	}
	return &recap, nil
}
