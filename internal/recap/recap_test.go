package recap

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replayfm/replay/internal/db"
)

var day = time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

func play(trackID, trackName, artist string, playedAt time.Time) db.Play {
	return db.Play{
		UserID:     "u1",
		TrackID:    trackID,
		TrackName:  trackName,
		ArtistName: artist,
		DurationMs: 200000,
		PlayedAt:   playedAt,
	}
}

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TestAggregateRanksByPlayCount(t *testing.T) {
	plays := []db.Play{
		play("t1", "Alpha", "A", at(8, 0)),
		play("t2", "Beta", "B", at(9, 0)),
		play("t2", "Beta", "B", at(10, 0)),
		play("t2", "Beta", "B", at(11, 0)),
		play("t1", "Alpha", "A", at(12, 0)),
		play("t3", "Gamma", "C", at(13, 0)),
	}

	recap := Aggregate("u1", day, plays)

	assert.Equal(t, "u1", recap.UserID)
	assert.Equal(t, day, recap.Date)
	assert.Equal(t, 6, recap.TotalTracks)
	assert.Equal(t, int64(6*200000), recap.TotalMs)
	assert.Equal(t, 20, recap.TotalMinutes())

	require.Len(t, recap.TopTracks, 3)
	assert.Equal(t, "t2", recap.TopTracks[0].TrackID)
	assert.Equal(t, 3, recap.TopTracks[0].PlayCount)
	assert.Equal(t, "t1", recap.TopTracks[1].TrackID)
	assert.Equal(t, "t3", recap.TopTracks[2].TrackID)

	require.Len(t, recap.TopArtists, 3)
	assert.Equal(t, "B", recap.TopArtists[0].ArtistName)
	assert.Equal(t, 3, recap.TopArtists[0].PlayCount)
}

func TestAggregateTieBreaksOnEarlierFirstPlay(t *testing.T) {
	// Equal counts: the track heard first that day ranks higher.
	plays := []db.Play{
		play("t2", "Later", "B", at(10, 0)),
		play("t1", "Earlier", "A", at(8, 0)),
		play("t2", "Later", "B", at(14, 0)),
		play("t1", "Earlier", "A", at(15, 0)),
	}

	recap := Aggregate("u1", day, plays)

	require.Len(t, recap.TopTracks, 2)
	assert.Equal(t, "t1", recap.TopTracks[0].TrackID)
	assert.Equal(t, at(8, 0), recap.TopTracks[0].FirstPlayedAt)
	assert.Equal(t, "t2", recap.TopTracks[1].TrackID)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	plays := []db.Play{
		play("t1", "Alpha", "A", at(8, 0)),
		play("t2", "Beta", "B, C", at(9, 0)),
		play("t3", "Gamma", "A", at(10, 0)),
		play("t1", "Alpha", "A", at(11, 0)),
		play("t4", "Delta", "D", at(12, 0)),
		play("t2", "Beta", "B, C", at(13, 0)),
	}
	want := Aggregate("u1", day, plays)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]db.Play(nil), plays...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got := Aggregate("u1", day, shuffled)
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestAggregateCreditsEveryCollaborator(t *testing.T) {
	plays := []db.Play{
		play("t1", "Duet", "A, B", at(8, 0)),
		play("t2", "Solo", "A", at(9, 0)),
	}

	recap := Aggregate("u1", day, plays)

	require.Len(t, recap.TopArtists, 2)
	assert.Equal(t, "A", recap.TopArtists[0].ArtistName)
	assert.Equal(t, 2, recap.TopArtists[0].PlayCount)
	assert.Equal(t, "B", recap.TopArtists[1].ArtistName)
	assert.Equal(t, 1, recap.TopArtists[1].PlayCount)
}

func TestAggregateKeepsTopFive(t *testing.T) {
	var plays []db.Play
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("t%d", i)
		for n := 0; n <= i; n++ {
			plays = append(plays, play(id, "Track "+id, "Artist "+id, at(i, n)))
		}
	}

	recap := Aggregate("u1", day, plays)

	require.Len(t, recap.TopTracks, 5)
	require.Len(t, recap.TopArtists, 5)
	assert.Equal(t, "t7", recap.TopTracks[0].TrackID)
	assert.Equal(t, "t3", recap.TopTracks[4].TrackID)
}

func TestSongOfTheDay(t *testing.T) {
	recap := Aggregate("u1", day, []db.Play{
		play("t1", "Alpha", "A", at(8, 0)),
		play("t2", "Beta", "B", at(9, 0)),
		play("t2", "Beta", "B", at(10, 0)),
	})

	song := SongOfTheDay(recap)
	require.NotNil(t, song)
	assert.Equal(t, "Beta", song.TrackName)

	assert.Nil(t, SongOfTheDay(nil))
	assert.Nil(t, SongOfTheDay(&db.Recap{}))
}

func TestSummary(t *testing.T) {
	recap := Aggregate("u1", day, []db.Play{
		play("t1", "Alpha", "A", at(8, 0)),
		play("t2", "Beta", "B", at(9, 0)),
		play("t2", "Beta", "B", at(10, 0)),
	})

	got := Summary(recap)
	assert.Equal(t, `You listened to 3 tracks for 10 minutes. Your most played track was "Beta" by B. Your top artist was B.`, got)
}

// memPlayReader and memRecapStore back the service tests.

type memPlayReader struct {
	plays map[string][]db.Play // keyed by YYYY-MM-DD
	err   error
}

func (r *memPlayReader) ListOn(_ context.Context, _ string, day time.Time) ([]db.Play, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.plays[day.Format("2006-01-02")], nil
}

type memRecapStore struct {
	mu      sync.Mutex
	recaps  map[string]*db.Recap // keyed by user|YYYY-MM-DD
	upserts int
}

func newMemRecapStore() *memRecapStore {
	return &memRecapStore{recaps: make(map[string]*db.Recap)}
}

func (s *memRecapStore) key(userID string, day time.Time) string {
	return userID + "|" + day.Format("2006-01-02")
}

func (s *memRecapStore) Upsert(_ context.Context, recap *db.Recap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.recaps[s.key(recap.UserID, recap.Date)] = recap
	return nil
}

func (s *memRecapStore) Get(_ context.Context, userID string, day time.Time) (*db.Recap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recap, ok := s.recaps[s.key(userID, day)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return recap, nil
}

func (s *memRecapStore) List(_ context.Context, _ string, limit int) ([]db.Recap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Recap, 0, len(s.recaps))
	for _, r := range s.recaps {
		out = append(out, *r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memRecapStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *memRecapStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recaps)
}

func TestComputeDailyStoresRecap(t *testing.T) {
	reader := &memPlayReader{plays: map[string][]db.Play{
		"2026-08-30": {play("t1", "Alpha", "A", at(8, 0))},
	}}
	store := newMemRecapStore()
	svc := NewService(reader, store)

	recap, err := svc.ComputeDaily(context.Background(), "u1", day)
	require.NoError(t, err)
	require.NotNil(t, recap)
	assert.Equal(t, 1, store.upsertCount())

	// Re-running overwrites rather than duplicating.
	_, err = svc.ComputeDaily(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 2, store.upsertCount())
	assert.Equal(t, 1, store.size())
}

func TestComputeDailyEmptyDay(t *testing.T) {
	svc := NewService(&memPlayReader{}, newMemRecapStore())

	recap, err := svc.ComputeDaily(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Nil(t, recap)
}

func TestGetDailyComputesOnDemand(t *testing.T) {
	reader := &memPlayReader{plays: map[string][]db.Play{
		"2026-08-30": {play("t1", "Alpha", "A", at(8, 0))},
	}}
	store := newMemRecapStore()
	svc := NewService(reader, store)

	recap, err := svc.GetDaily(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 1, recap.TotalTracks)
	assert.Equal(t, 1, store.upsertCount())

	// Second read hits the store.
	_, err = svc.GetDaily(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 1, store.upsertCount())
}

func TestGetDailyNoPlaysIsNotFound(t *testing.T) {
	svc := NewService(&memPlayReader{}, newMemRecapStore())

	_, err := svc.GetDaily(context.Background(), "u1", day)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
