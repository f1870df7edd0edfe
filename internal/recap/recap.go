// Package recap derives per-day listening summaries from persisted
// history. Aggregation is a pure function of the stored rows: the same
// plays always yield the same recap, including tie-break order.
package recap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/replayfm/replay/internal/db"
)

const topN = 5

// PlayReader supplies the plays for a user's calendar day.
// *db.PlayRepository satisfies it.
type PlayReader interface {
	ListOn(ctx context.Context, userID string, day time.Time) ([]db.Play, error)
}

// RecapStore persists recaps. *db.RecapRepository satisfies it.
type RecapStore interface {
	Upsert(ctx context.Context, recap *db.Recap) error
	Get(ctx context.Context, userID string, day time.Time) (*db.Recap, error)
	List(ctx context.Context, userID string, limit int) ([]db.Recap, error)
}

// Service computes and serves daily recaps.
type Service struct {
	plays  PlayReader
	recaps RecapStore
	log    *logrus.Entry
}

// NewService creates a recap service.
func NewService(plays PlayReader, recaps RecapStore) *Service {
	return &Service{
		plays:  plays,
		recaps: recaps,
		log:    logrus.WithField("component", "recap"),
	}
}

// ComputeDaily aggregates a user's plays for a UTC calendar day and
// upserts the recap. Safe to re-run after late-arriving data. Returns
// (nil, nil) when the day has no plays.
func (s *Service) ComputeDaily(ctx context.Context, userID string, day time.Time) (*db.Recap, error) {
	plays, err := s.plays.ListOn(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("reading day history: %w", err)
	}
	if len(plays) == 0 {
		return nil, nil
	}

	recap := Aggregate(userID, day, plays)
	if err := s.recaps.Upsert(ctx, recap); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"userID": userID,
		"date":   recap.Date.Format("2006-01-02"),
		"tracks": recap.TotalTracks,
	}).Info("daily recap generated")

	return recap, nil
}

// GetDaily returns the stored recap for a day, computing it on demand
// when absent. Returns db.ErrNotFound when the day has no plays at all.
func (s *Service) GetDaily(ctx context.Context, userID string, day time.Time) (*db.Recap, error) {
	recap, err := s.recaps.Get(ctx, userID, day)
	if err == nil {
		return recap, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	recap, err = s.ComputeDaily(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	if recap == nil {
		return nil, db.ErrNotFound
	}
	return recap, nil
}

// List returns recent recaps for a user, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]db.Recap, error) {
	return s.recaps.List(ctx, userID, limit)
}

// Aggregate computes a recap from a day's plays. Tracks and artists are
// ranked by play count; ties break toward the earlier first play, then
// lexicographically, so rankings are identical across runs regardless
// of input order.
func Aggregate(userID string, day time.Time, plays []db.Play) *db.Recap {
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var totalMs int64
	trackRanks := make(map[string]*db.TrackRank)
	artistRanks := make(map[string]*db.ArtistRank)

	for _, p := range plays {
		totalMs += int64(p.DurationMs)

		tr, ok := trackRanks[p.TrackID]
		if !ok {
			tr = &db.TrackRank{
				TrackID:       p.TrackID,
				TrackName:     p.TrackName,
				ArtistName:    p.ArtistName,
				FirstPlayedAt: p.PlayedAt,
			}
			if p.AlbumImageURL != nil {
				tr.AlbumImageURL = *p.AlbumImageURL
			}
			trackRanks[p.TrackID] = tr
		}
		tr.PlayCount++
		if p.PlayedAt.Before(tr.FirstPlayedAt) {
			tr.FirstPlayedAt = p.PlayedAt
		}

		// A collaboration credits every listed artist.
		for _, name := range strings.Split(p.ArtistName, ", ") {
			ar, ok := artistRanks[name]
			if !ok {
				ar = &db.ArtistRank{ArtistName: name, FirstPlayedAt: p.PlayedAt}
				artistRanks[name] = ar
			}
			ar.PlayCount++
			if p.PlayedAt.Before(ar.FirstPlayedAt) {
				ar.FirstPlayedAt = p.PlayedAt
			}
		}
	}

	topTracks := make([]db.TrackRank, 0, len(trackRanks))
	for _, tr := range trackRanks {
		topTracks = append(topTracks, *tr)
	}
	sort.Slice(topTracks, func(i, j int) bool {
		a, b := topTracks[i], topTracks[j]
		if a.PlayCount != b.PlayCount {
			return a.PlayCount > b.PlayCount
		}
		if !a.FirstPlayedAt.Equal(b.FirstPlayedAt) {
			return a.FirstPlayedAt.Before(b.FirstPlayedAt)
		}
		return a.TrackID < b.TrackID
	})
	if len(topTracks) > topN {
		topTracks = topTracks[:topN]
	}

	topArtists := make([]db.ArtistRank, 0, len(artistRanks))
	for _, ar := range artistRanks {
		topArtists = append(topArtists, *ar)
	}
	sort.Slice(topArtists, func(i, j int) bool {
		a, b := topArtists[i], topArtists[j]
		if a.PlayCount != b.PlayCount {
			return a.PlayCount > b.PlayCount
		}
		if !a.FirstPlayedAt.Equal(b.FirstPlayedAt) {
			return a.FirstPlayedAt.Before(b.FirstPlayedAt)
		}
		return a.ArtistName < b.ArtistName
	})
	if len(topArtists) > topN {
		topArtists = topArtists[:topN]
	}

	return &db.Recap{
		UserID:      userID,
		Date:        date,
		TotalTracks: len(plays),
		TotalMs:     totalMs,
		TopTracks:   topTracks,
		TopArtists:  topArtists,
	}
}

// SongOfTheDay is the single most-played track of a recap: highest play
// count, earliest first play on a tie.
func SongOfTheDay(recap *db.Recap) *db.TrackRank {
	if recap == nil || len(recap.TopTracks) == 0 {
		return nil
	}
	return &recap.TopTracks[0]
}

// Summary renders a recap as a human sentence for notifications.
func Summary(recap *db.Recap) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You listened to %d track%s for %d minute%s.",
		recap.TotalTracks, plural(recap.TotalTracks),
		recap.TotalMinutes(), plural(recap.TotalMinutes()))

	if song := SongOfTheDay(recap); song != nil {
		fmt.Fprintf(&b, " Your most played track was %q by %s.", song.TrackName, song.ArtistName)
	}
	if len(recap.TopArtists) > 0 {
		fmt.Fprintf(&b, " Your top artist was %s.", recap.TopArtists[0].ArtistName)
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
