// Package sync is the polling/ingestion engine that keeps locally
// stored listening history consistent with Spotify.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/replayfm/replay/internal/auth"
	"github.com/replayfm/replay/internal/db"
	"github.com/replayfm/replay/internal/spotify"
)

// Upstream is the slice of the Spotify client the synchronizer needs.
type Upstream interface {
	RecentlyPlayed(ctx context.Context, userID string, limit int) ([]spotify.PlayedTrack, error)
}

// PlayStore persists history entries. *db.PlayRepository satisfies it.
type PlayStore interface {
	InsertBatch(ctx context.Context, plays []db.Play) (int, error)
}

// Invalidator drops cached history reads after new plays land.
type Invalidator interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// Result reports one poll+ingest cycle.
type Result struct {
	Fetched  int `json:"fetched"`
	Ingested int `json:"ingested"`
}

// Service ingests recently-played pages idempotently. Duplicate rows
// from overlapping poll windows are recognized by the store and do not
// count as ingested.
type Service struct {
	upstream Upstream
	plays    PlayStore
	cache    Invalidator // optional
	pageSize int
	log      *logrus.Entry
}

// NewService creates a synchronizer service. cache may be nil.
func NewService(upstream Upstream, plays PlayStore, cache Invalidator) *Service {
	return &Service{
		upstream: upstream,
		plays:    plays,
		cache:    cache,
		pageSize: spotify.MaxRecentlyPlayed,
		log:      logrus.WithField("component", "sync"),
	}
}

// Fetch polls the upstream for the user's recent plays.
func (s *Service) Fetch(ctx context.Context, userID string) ([]spotify.PlayedTrack, error) {
	tracks, err := s.upstream.RecentlyPlayed(ctx, userID, s.pageSize)
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

// Ingest persists a fetched page as a single batch. The batch either
// lands whole or fails whole; a partial write returns an error and the
// next poll retries the same window safely.
func (s *Service) Ingest(ctx context.Context, userID string, tracks []spotify.PlayedTrack) (Result, error) {
	result := Result{Fetched: len(tracks)}
	if len(tracks) == 0 {
		return result, nil
	}

	plays := make([]db.Play, len(tracks))
	for i, t := range tracks {
		var image *string
		if t.AlbumImageURL != "" {
			img := t.AlbumImageURL
			image = &img
		}
		plays[i] = db.Play{
			ID:            uuid.NewString(),
			UserID:        userID,
			TrackID:       t.TrackID,
			TrackName:     t.TrackName,
			ArtistName:    t.ArtistName,
			AlbumName:     t.AlbumName,
			AlbumImageURL: image,
			DurationMs:    t.DurationMs,
			PlayedAt:      t.PlayedAt,
		}
	}

	inserted, err := s.plays.InsertBatch(ctx, plays)
	if err != nil {
		return result, fmt.Errorf("ingesting plays: %w", err)
	}
	result.Ingested = inserted

	if s.cache != nil && inserted > 0 {
		if err := s.cache.DeletePrefix(ctx, "history:"+userID+":"); err != nil {
			s.log.WithField("userID", userID).WithError(err).Warn("invalidating history cache")
		}
	}

	s.log.WithFields(logrus.Fields{
		"userID":   userID,
		"fetched":  result.Fetched,
		"ingested": result.Ingested,
	}).Info("history synced")

	return result, nil
}

// SyncNow runs one immediate poll+ingest cycle.
func (s *Service) SyncNow(ctx context.Context, userID string) (Result, error) {
	tracks, err := s.Fetch(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	return s.Ingest(ctx, userID, tracks)
}

// Permanent reports whether an error halts automatic polling: the user
// has to act (connect, reconnect, upgrade) before another attempt can
// succeed.
func Permanent(err error) bool {
	return errors.Is(err, auth.ErrNotConnected) ||
		errors.Is(err, auth.ErrReauthRequired) ||
		errors.Is(err, spotify.ErrUpstreamAuth) ||
		errors.Is(err, spotify.ErrInsufficientScope)
}

// NeedsReconnect reports whether an error means the user's Spotify
// consent is gone and the OAuth flow must be redone.
func NeedsReconnect(err error) bool {
	return errors.Is(err, auth.ErrReauthRequired) || errors.Is(err, spotify.ErrUpstreamAuth)
}
