package db

import "time"

// User represents a Spotify user who connected their account.
type User struct {
	ID              string
	SpotifyID       string
	Email           string
	DisplayName     string
	ProfileImageURL *string // nullable
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential is the access/refresh token pair for a user's Spotify
// connection. At most one row exists per user.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Play is one listening-history entry as reported by Spotify.
// The tuple (user_id, track_id, played_at) is unique; rows are
// insert-only and never updated.
type Play struct {
	ID            string // ingestion id
	UserID        string
	TrackID       string
	TrackName     string
	ArtistName    string
	AlbumName     string
	AlbumImageURL *string // nullable
	DurationMs    int
	PlayedAt      time.Time
}

// TrackRank is one entry of a recap's ranked top tracks.
type TrackRank struct {
	TrackID       string    `json:"trackId"`
	TrackName     string    `json:"trackName"`
	ArtistName    string    `json:"artistName"`
	AlbumImageURL string    `json:"albumImage,omitempty"`
	PlayCount     int       `json:"playCount"`
	FirstPlayedAt time.Time `json:"firstPlayedAt"`
}

// ArtistRank is one entry of a recap's ranked top artists.
type ArtistRank struct {
	ArtistName    string    `json:"artistName"`
	PlayCount     int       `json:"playCount"`
	FirstPlayedAt time.Time `json:"firstPlayedAt"`
}

// Recap is the derived per-day listening summary for a user.
// Recomputed deterministically from Play rows; upsert keyed by
// (user_id, recap_date).
type Recap struct {
	UserID      string
	Date        time.Time // calendar day, UTC midnight
	TotalTracks int
	TotalMs     int64
	TopTracks   []TrackRank
	TopArtists  []ArtistRank
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TotalMinutes returns the recap's listening time in whole minutes.
func (r *Recap) TotalMinutes() int {
	return int(r.TotalMs / 60000)
}
