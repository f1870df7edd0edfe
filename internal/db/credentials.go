package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialRepository handles Spotify credential database operations.
// One row per user; the whole pair is replaced on reconnect and the
// access token is rewritten in place on every refresh.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves the credential for a user. Returns ErrNotFound if the
// user never connected Spotify (or disconnected it).
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*Credential, error) {
	query := `
		SELECT user_id, access_token, refresh_token, expires_at, created_at, updated_at
		FROM spotify_credentials
		WHERE user_id = $1
	`
	var cred Credential
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.ExpiresAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return &cred, nil
}

// Upsert stores the full token pair after an authorization-code
// exchange, overwriting any prior credential for the user.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO spotify_credentials (user_id, access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		cred.UserID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// UpdateTokens overwrites the access token and expiry after a refresh
// exchange. The refresh token is replaced too; callers pass the stored
// one back when the upstream did not rotate it.
func (r *CredentialRepository) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE spotify_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, userID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("updating credential tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the credential for a user (disconnect or account
// deletion).
func (r *CredentialRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM spotify_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
