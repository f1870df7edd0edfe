package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/replayfm/replay/internal/auth"
	"github.com/replayfm/replay/internal/cache"
	"github.com/replayfm/replay/internal/db"
	"github.com/replayfm/replay/internal/recap"
	"github.com/replayfm/replay/internal/spotify"
	"github.com/replayfm/replay/internal/sync"
)

const (
	oauthStateTTL   = 10 * time.Minute
	historyCacheTTL = 30 * time.Second

	defaultHistoryLimit = 50
	defaultRecapLimit   = 30
)

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	auth    *auth.Manager
	spotify *spotify.Client
	sync    *sync.Service
	tracker *sync.Tracker
	recaps  *recap.Service
	users   *db.UserRepository
	plays   *db.PlayRepository
	cache   *cache.Cache

	frontendURL string
	log         *logrus.Entry
}

// NewHandlers creates the handler set.
func NewHandlers(
	authManager *auth.Manager,
	spotifyClient *spotify.Client,
	syncService *sync.Service,
	tracker *sync.Tracker,
	recapService *recap.Service,
	users *db.UserRepository,
	plays *db.PlayRepository,
	c *cache.Cache,
	frontendURL string,
) *Handlers {
	return &Handlers{
		auth:        authManager,
		spotify:     spotifyClient,
		sync:        syncService,
		tracker:     tracker,
		recaps:      recapService,
		users:       users,
		plays:       plays,
		cache:       c,
		frontendURL: frontendURL,
		log:         logrus.WithField("component", "web"),
	}
}

// Login initiates the Spotify OAuth flow: stores a CSRF state nonce and
// returns the authorization URL.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.cache.Set(r.Context(), "auth:state:"+state, time.Now().Unix(), oauthStateTTL); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"authUrl": h.auth.AuthURL(state),
	})
}

// Callback handles the Spotify OAuth redirect: verifies state,
// exchanges the code, upserts the user and stores the credential.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errMsg := q.Get("error"); errMsg != "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("spotify authorization failed: "+errMsg))
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("missing code or state parameter"))
		return
	}

	var storedAt int64
	ok, err := h.cache.Get(ctx, "auth:state:"+state, &storedAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid or expired state parameter"))
		return
	}
	_ = h.cache.Delete(ctx, "auth:state:"+state)

	token, err := h.auth.Exchange(ctx, code)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("failed to authenticate with spotify"))
		return
	}

	profile, err := h.spotify.ProfileWithToken(ctx, token.AccessToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user := &db.User{
		SpotifyID:   profile.SpotifyID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
	}
	if profile.ImageURL != "" {
		user.ProfileImageURL = &profile.ImageURL
	}
	if err := h.users.Upsert(ctx, user); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.auth.StoreCredential(ctx, user.ID, token); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithField("userID", user.ID).Info("spotify connected")

	redirect := fmt.Sprintf("%s/auth/callback?user=%s", h.frontendURL, url.QueryEscape(user.ID))
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Disconnect removes the user's Spotify credential and stops their
// poller.
func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	h.tracker.Stop(userID)
	if err := h.auth.Disconnect(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithField("userID", userID).Info("spotify disconnected")
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// SyncHistory triggers one immediate poll+ingest cycle.
func (h *Handlers) SyncHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.sync.SyncNow(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"synced":  result.Ingested,
		"total":   result.Fetched,
	})
}

// GetHistory returns a page of persisted plays, cached briefly.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	filter := db.HistoryFilter{
		Limit:  intParam(q.Get("limit"), defaultHistoryLimit),
		Offset: intParam(q.Get("offset"), 0),
	}
	if v := q.Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody("invalid startDate"))
			return
		}
		filter.Start = &t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody("invalid endDate"))
			return
		}
		filter.End = &t
	}

	cacheKey := fmt.Sprintf("history:%s:%d:%d:%s:%s",
		userID, filter.Limit, filter.Offset, q.Get("startDate"), q.Get("endDate"))

	var cached historyResponse
	if ok, err := h.cache.Get(ctx, cacheKey, &cached); err == nil && ok {
		cached.Cached = true
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	plays, err := h.plays.List(ctx, userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := historyResponse{
		Success: true,
		History: make([]historyEntry, 0, len(plays)),
		Pagination: pagination{
			Limit:  filter.Limit,
			Offset: filter.Offset,
			Count:  len(plays),
		},
	}
	for _, p := range plays {
		entry := historyEntry{
			ID:         p.ID,
			TrackID:    p.TrackID,
			TrackName:  p.TrackName,
			ArtistName: p.ArtistName,
			AlbumName:  p.AlbumName,
			PlayedAt:   p.PlayedAt,
			DurationMs: p.DurationMs,
		}
		if p.AlbumImageURL != nil {
			entry.AlbumImage = *p.AlbumImageURL
		}
		resp.History = append(resp.History, entry)
	}

	if err := h.cache.Set(ctx, cacheKey, resp, historyCacheTTL); err != nil {
		h.log.WithError(err).Warn("caching history response")
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetStats returns listening totals for a period (24h, 7d, 30d, 1y).
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "7d"
	}
	var span time.Duration
	switch period {
	case "24h":
		span = 24 * time.Hour
	case "7d":
		span = 7 * 24 * time.Hour
	case "30d":
		span = 30 * 24 * time.Hour
	case "1y":
		span = 365 * 24 * time.Hour
	default:
		span = 7 * 24 * time.Hour
		period = "7d"
	}

	stats, err := h.plays.Stats(r.Context(), userID, time.Now().Add(-span))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"period":        period,
			"totalTracks":   stats.TotalTracks,
			"totalMinutes":  stats.TotalMs / 60000,
			"uniqueArtists": stats.UniqueArtists,
		},
	})
}

// GetTopTracks returns the user's Spotify-computed top tracks for a
// time range.
func (h *Handlers) GetTopTracks(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	timeRange, ok := timeRangeParam(r)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid range, expected short_term, medium_term or long_term"))
		return
	}

	tracks, err := h.spotify.TopTracks(r.Context(), userID, timeRange, intParam(r.URL.Query().Get("limit"), 20))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"range":   timeRange,
		"tracks":  tracks,
	})
}

// GetTopArtists returns the user's Spotify-computed top artists for a
// time range.
func (h *Handlers) GetTopArtists(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	timeRange, ok := timeRangeParam(r)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid range, expected short_term, medium_term or long_term"))
		return
	}

	artists, err := h.spotify.TopArtists(r.Context(), userID, timeRange, intParam(r.URL.Query().Get("limit"), 20))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"range":   timeRange,
		"artists": artists,
	})
}

// ListRecaps returns recent daily recaps, newest first.
func (h *Handlers) ListRecaps(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := intParam(r.URL.Query().Get("limit"), defaultRecapLimit)
	recaps, err := h.recaps.List(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]recapBody, 0, len(recaps))
	for i := range recaps {
		out = append(out, toRecapBody(&recaps[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"recaps":  out,
	})
}

// GetRecap returns the recap for one day (YYYY-MM-DD), computing it on
// demand when absent.
func (h *Handlers) GetRecap(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	day, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid date, expected YYYY-MM-DD"))
		return
	}

	rec, err := h.recaps.GetDaily(r.Context(), userID, day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := toRecapBody(rec)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"recap":   body,
		"summary": recap.Summary(rec),
	})
}

// NowPlaying returns the user's currently playing track, or null.
func (h *Handlers) NowPlaying(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	now, err := h.spotify.CurrentlyPlaying(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"playing": now,
	})
}

// AddToQueue adds a track to the user's playback queue. Scope and
// device failures are surfaced distinctly, never faked as success.
func (h *Handlers) AddToQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("missing track uri"))
		return
	}

	if err := h.spotify.AddToQueue(r.Context(), userID, body.URI); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// StartTracker begins adaptive polling for the user's session.
func (h *Handlers) StartTracker(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	// Poller lifetime is bound to the process, not this request.
	h.tracker.Start(context.WithoutCancel(r.Context()), userID)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// StopTracker cancels the user's session poller.
func (h *Handlers) StopTracker(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	h.tracker.Stop(userID)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// TrackerActivity updates the session's activity hint.
func (h *Handlers) TrackerActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	h.tracker.SetActive(userID, body.Active)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Response shapes.

type historyEntry struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"trackId"`
	TrackName  string    `json:"trackName"`
	ArtistName string    `json:"artistName"`
	AlbumName  string    `json:"albumName"`
	AlbumImage string    `json:"albumImage,omitempty"`
	PlayedAt   time.Time `json:"playedAt"`
	DurationMs int       `json:"durationMs"`
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

type historyResponse struct {
	Success    bool           `json:"success"`
	History    []historyEntry `json:"history"`
	Pagination pagination     `json:"pagination"`
	Cached     bool           `json:"cached"`
}

type recapBody struct {
	UserID       string          `json:"userId"`
	Date         string          `json:"date"`
	TotalTracks  int             `json:"totalTracks"`
	TotalMinutes int             `json:"totalMinutes"`
	TopTracks    []db.TrackRank  `json:"topTracks"`
	TopArtists   []db.ArtistRank `json:"topArtists"`
	SongOfTheDay *db.TrackRank   `json:"songOfTheDay,omitempty"`
}

func toRecapBody(rec *db.Recap) recapBody {
	return recapBody{
		UserID:       rec.UserID,
		Date:         rec.Date.Format("2006-01-02"),
		TotalTracks:  rec.TotalTracks,
		TotalMinutes: rec.TotalMinutes(),
		TopTracks:    rec.TopTracks,
		TopArtists:   rec.TopArtists,
		SongOfTheDay: recap.SongOfTheDay(rec),
	}
}

// Helpers.

func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("missing X-User-ID header"))
		return "", false
	}
	return id, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Error("encoding response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Permanent
// classes tell the caller what action to take; transient ones are plain
// upstream failures.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rateLimited *spotify.RateLimitError

	switch {
	case errors.Is(err, auth.ErrNotConnected):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "spotify not connected",
			"code":    "not_connected",
		})
	case sync.NeedsReconnect(err):
		h.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "spotify connection expired, please reconnect",
			"code":    "reauth_required",
		})
	case errors.Is(err, spotify.ErrInsufficientScope):
		h.writeJSON(w, http.StatusForbidden, errorBody("spotify premium or additional permissions required"))
	case errors.Is(err, spotify.ErrNoActiveDevice):
		h.writeJSON(w, http.StatusNotFound, errorBody("no active spotify device"))
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		h.writeJSON(w, http.StatusTooManyRequests, errorBody("rate limited by spotify"))
	case errors.Is(err, spotify.ErrUpstreamUnavailable):
		h.writeJSON(w, http.StatusBadGateway, errorBody("spotify unavailable"))
	case errors.Is(err, db.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("not found"))
	default:
		h.log.WithError(err).Error("request failed")
		h.writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func timeRangeParam(r *http.Request) (string, bool) {
	v := r.URL.Query().Get("range")
	switch v {
	case "":
		return "medium_term", true
	case "short_term", "medium_term", "long_term":
		return v, true
	default:
		return "", false
	}
}

// generateState creates a random state nonce for OAuth CSRF protection.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
