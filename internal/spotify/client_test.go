package spotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokens is a scripted TokenSource.
type fakeTokens struct {
	token           string
	tokenErr        error
	forced          atomic.Int64
	forcedToken     string
	forceRefreshErr error
}

func (f *fakeTokens) Token(context.Context, string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context, string) (string, error) {
	f.forced.Add(1)
	if f.forceRefreshErr != nil {
		return "", f.forceRefreshErr
	}
	return f.forcedToken, nil
}

func newTestClient(tokens TokenSource, serverURL string) *Client {
	return New(tokens,
		WithBaseURL(serverURL),
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond}),
	)
}

const recentlyPlayedBody = `{
	"items": [
		{
			"track": {
				"id": "t1",
				"name": "Weird Fishes",
				"duration_ms": 318000,
				"artists": [{"id": "a1", "name": "Radiohead"}],
				"album": {
					"name": "In Rainbows",
					"images": [{"url": "https://img/in-rainbows-large"}, {"url": "https://img/in-rainbows-small"}]
				}
			},
			"played_at": "2026-08-30T14:05:00.000Z"
		},
		{
			"track": {
				"id": "t2",
				"name": "Collab Cut",
				"duration_ms": 200000,
				"artists": [{"id": "a2", "name": "First"}, {"id": "a3", "name": "Second"}],
				"album": {"name": "Split", "images": []}
			},
			"played_at": "2026-08-30T14:10:30.000Z"
		}
	]
}`

func TestRecentlyPlayedDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/player/recently-played", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(recentlyPlayedBody))
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	tracks, err := client.RecentlyPlayed(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, "t1", tracks[0].TrackID)
	assert.Equal(t, "Radiohead", tracks[0].ArtistName)
	assert.Equal(t, "https://img/in-rainbows-large", tracks[0].AlbumImageURL)
	assert.Equal(t, 318000, tracks[0].DurationMs)
	assert.Equal(t, time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC), tracks[0].PlayedAt.UTC())

	assert.Equal(t, "First, Second", tracks[1].ArtistName)
	assert.Empty(t, tracks[1].AlbumImageURL)
}

func TestUnauthorizedTriggersOneForcedRefresh(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"items": []}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", forcedToken: "fresh"}
	client := newTestClient(tokens, server.URL)

	_, err := client.RecentlyPlayed(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tokens.forced.Load())
	assert.EqualValues(t, 2, calls.Load())
}

func TestUnauthorizedTwiceFailsUpstreamAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", forcedToken: "still-bad"}
	client := newTestClient(tokens, server.URL)

	_, err := client.RecentlyPlayed(context.Background(), "u1", 10)
	assert.ErrorIs(t, err, ErrUpstreamAuth)
	assert.EqualValues(t, 1, tokens.forced.Load(), "exactly one forced refresh")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	_, err := client.RecentlyPlayed(context.Background(), "u1", 10)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 30*time.Second, rateLimited.RetryAfter)
}

func TestServerErrorsRetryThenFail(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	_, err := client.RecentlyPlayed(context.Background(), "u1", 10)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.EqualValues(t, 3, calls.Load(), "two retries after the initial attempt")
}

func TestServerErrorThenSuccessRecovers(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"items": []}`))
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	tracks, err := client.RecentlyPlayed(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestForbiddenFailsInsufficientScope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	err := client.AddToQueue(context.Background(), "u1", "spotify:track:t1")
	assert.ErrorIs(t, err, ErrInsufficientScope)
}

func TestPlayerNotFoundMeansNoActiveDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
	err := client.AddToQueue(context.Background(), "u1", "spotify:track:t1")
	assert.ErrorIs(t, err, ErrNoActiveDevice)
}

func TestCurrentlyPlaying(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    *NowPlaying
	}{
		{
			name:   "nothing playing returns nil without error",
			status: http.StatusNoContent,
			want:   nil,
		},
		{
			name:   "missing item returns nil",
			status: http.StatusOK,
			body:   `{"is_playing": false, "progress_ms": 0, "item": null}`,
			want:   nil,
		},
		{
			name:   "playing track decodes",
			status: http.StatusOK,
			body: `{
				"is_playing": true,
				"progress_ms": 61500,
				"item": {
					"id": "t9",
					"name": "Midnight City",
					"duration_ms": 243000,
					"artists": [{"id": "a9", "name": "M83"}],
					"album": {"name": "Hurry Up, We're Dreaming", "images": [{"url": "https://img/hurry"}]}
				}
			}`,
			want: &NowPlaying{
				TrackID:       "t9",
				TrackName:     "Midnight City",
				ArtistName:    "M83",
				AlbumName:     "Hurry Up, We're Dreaming",
				AlbumImageURL: "https://img/hurry",
				DurationMs:    243000,
				ProgressMs:    61500,
				IsPlaying:     true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			client := newTestClient(&fakeTokens{token: "tok"}, server.URL)
			now, err := client.CurrentlyPlaying(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, now)
		})
	}
}

func TestTokenErrorsPropagateUnchanged(t *testing.T) {
	wantErr := assert.AnError
	client := newTestClient(&fakeTokens{tokenErr: wantErr}, "http://invalid")

	_, err := client.RecentlyPlayed(context.Background(), "u1", 10)
	assert.ErrorIs(t, err, wantErr)
}
