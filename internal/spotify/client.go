// Package spotify provides a rate-aware wrapper around the Spotify Web
// API. Every call obtains a valid token from the credential manager,
// executes the request and classifies the response into a closed error
// taxonomy.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.spotify.com/v1"

	// MaxRecentlyPlayed is the upstream page cap for the
	// recently-played endpoint.
	MaxRecentlyPlayed = 50
)

// TokenSource supplies valid access tokens per user. *auth.Manager
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID string) (string, error)
}

// Client is the Spotify Web API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	tokens      TokenSource
	retryDelays []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryDelays overrides the backoff schedule for transient
// failures. len(delays)+1 is the attempt ceiling.
func WithRetryDelays(delays []time.Duration) Option {
	return func(c *Client) { c.retryDelays = delays }
}

// New creates a Spotify client.
func New(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultBaseURL,
		tokens:      tokens,
		retryDelays: []time.Duration{1 * time.Second, 2 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile fetches the user's account profile.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	token, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.profile(ctx, userID, token)
}

// ProfileWithToken fetches a profile using a raw access token. Used
// during the OAuth callback, before a credential row exists.
func (c *Client) ProfileWithToken(ctx context.Context, accessToken string) (*Profile, error) {
	return c.profile(ctx, "", accessToken)
}

func (c *Client) profile(ctx context.Context, userID, token string) (*Profile, error) {
	body, err := c.get(ctx, userID, token, "/me", nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	var resp profileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	return &Profile{
		SpotifyID:   resp.ID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		ImageURL:    firstImage(resp.Images),
	}, nil
}

// RecentlyPlayed fetches the user's recently played tracks, newest
// first. limit is clamped to the upstream page cap.
func (c *Client) RecentlyPlayed(ctx context.Context, userID string, limit int) ([]PlayedTrack, error) {
	if limit <= 0 || limit > MaxRecentlyPlayed {
		limit = MaxRecentlyPlayed
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}

	body, err := c.authedGet(ctx, userID, "/me/player/recently-played", params, false)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp recentlyPlayedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing recently played: %w", err)
	}

	tracks := make([]PlayedTrack, 0, len(resp.Items))
	for _, item := range resp.Items {
		playedAt, err := time.Parse(time.RFC3339, item.PlayedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing played_at %q: %w", item.PlayedAt, err)
		}
		tracks = append(tracks, PlayedTrack{
			TrackID:       item.Track.ID,
			TrackName:     item.Track.Name,
			ArtistName:    joinArtists(item.Track.Artists),
			AlbumName:     item.Track.Album.Name,
			AlbumImageURL: firstImage(item.Track.Album.Images),
			DurationMs:    item.Track.DurationMs,
			PlayedAt:      playedAt,
		})
	}
	return tracks, nil
}

// TopTracks fetches the user's top tracks for a time range
// (short_term, medium_term or long_term).
func (c *Client) TopTracks(ctx context.Context, userID, timeRange string, limit int) ([]TopTrack, error) {
	params := url.Values{
		"time_range": {timeRange},
		"limit":      {strconv.Itoa(limit)},
	}
	body, err := c.authedGet(ctx, userID, "/me/top/tracks", params, false)
	if err != nil {
		return nil, err
	}

	var resp topTracksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing top tracks: %w", err)
	}

	tracks := make([]TopTrack, 0, len(resp.Items))
	for _, t := range resp.Items {
		tracks = append(tracks, TopTrack{
			TrackID:       t.ID,
			TrackName:     t.Name,
			ArtistName:    joinArtists(t.Artists),
			AlbumName:     t.Album.Name,
			AlbumImageURL: firstImage(t.Album.Images),
			Popularity:    t.Popularity,
		})
	}
	return tracks, nil
}

// TopArtists fetches the user's top artists for a time range.
func (c *Client) TopArtists(ctx context.Context, userID, timeRange string, limit int) ([]TopArtist, error) {
	params := url.Values{
		"time_range": {timeRange},
		"limit":      {strconv.Itoa(limit)},
	}
	body, err := c.authedGet(ctx, userID, "/me/top/artists", params, false)
	if err != nil {
		return nil, err
	}

	var resp topArtistsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing top artists: %w", err)
	}

	artists := make([]TopArtist, 0, len(resp.Items))
	for _, a := range resp.Items {
		artists = append(artists, TopArtist{
			ArtistID:   a.ID,
			ArtistName: a.Name,
			Genres:     a.Genres,
			ImageURL:   firstImage(a.Images),
			Popularity: a.Popularity,
		})
	}
	return artists, nil
}

// CurrentlyPlaying fetches the track playing right now. Returns
// (nil, nil) when nothing is playing: a 204 is a normal empty state,
// not an error.
func (c *Client) CurrentlyPlaying(ctx context.Context, userID string) (*NowPlaying, error) {
	body, err := c.authedGet(ctx, userID, "/me/player/currently-playing", nil, true)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp currentlyPlayingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing currently playing: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return &NowPlaying{
		TrackID:       resp.Item.ID,
		TrackName:     resp.Item.Name,
		ArtistName:    joinArtists(resp.Item.Artists),
		AlbumName:     resp.Item.Album.Name,
		AlbumImageURL: firstImage(resp.Item.Album.Images),
		DurationMs:    resp.Item.DurationMs,
		ProgressMs:    resp.ProgressMs,
		IsPlaying:     resp.IsPlaying,
	}, nil
}

// AddToQueue adds a track URI to the user's playback queue. Scope and
// device failures surface as their own classes; they are not masked as
// success.
func (c *Client) AddToQueue(ctx context.Context, userID, trackURI string) error {
	params := url.Values{"uri": {trackURI}}
	_, err := c.do(ctx, userID, http.MethodPost, "/me/player/queue", params, true)
	return err
}

// authedGet resolves a token and performs a classified GET.
func (c *Client) authedGet(ctx context.Context, userID, path string, params url.Values, player bool) ([]byte, error) {
	return c.do(ctx, userID, http.MethodGet, path, params, player)
}

// get performs a classified request with an already-resolved token.
func (c *Client) get(ctx context.Context, userID, token, path string, params url.Values, player bool) ([]byte, error) {
	return c.doWithToken(ctx, userID, token, http.MethodGet, path, params, player)
}

// do resolves a token for the user and performs the request.
// NotConnected/ReauthRequired from the token source propagate
// unchanged.
func (c *Client) do(ctx context.Context, userID, method, path string, params url.Values, player bool) ([]byte, error) {
	token, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.doWithToken(ctx, userID, token, method, path, params, player)
}

// doWithToken executes the request and classifies the response. A 401
// triggers exactly one forced refresh-and-retry; 5xx and network
// failures retry on the backoff schedule. Requests carry no body, so
// retrying is always safe. A nil byte slice with nil error means 204.
func (c *Client) doWithToken(ctx context.Context, userID, token, method, path string, params url.Values, player bool) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelays[attempt-1]):
			}
		}

		resp, err := c.send(ctx, method, reqURL, token)
		if err != nil {
			// Network failure, retry on the schedule.
			lastErr = err
			continue
		}

		switch {
		case resp.status == http.StatusNoContent:
			return nil, nil

		case resp.status >= 200 && resp.status < 300:
			return resp.body, nil

		case resp.status == http.StatusUnauthorized:
			// Valid on paper but rejected. One forced refresh, then give up.
			if refreshed || userID == "" {
				return nil, ErrUpstreamAuth
			}
			token, err = c.tokens.ForceRefresh(ctx, userID)
			if err != nil {
				return nil, err
			}
			refreshed = true
			attempt-- // the refreshed retry does not consume backoff budget
			continue

		case resp.status == http.StatusForbidden:
			return nil, ErrInsufficientScope

		case resp.status == http.StatusNotFound && player:
			return nil, ErrNoActiveDevice

		case resp.status == http.StatusTooManyRequests:
			return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.retryAfter)}

		case resp.status >= 500:
			lastErr = fmt.Errorf("status %d", resp.status)
			continue

		default:
			return nil, fmt.Errorf("unexpected status %d from %s", resp.status, path)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

type response struct {
	status     int
	body       []byte
	retryAfter string
}

func (c *Client) send(ctx context.Context, method, reqURL, token string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &response{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
