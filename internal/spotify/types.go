package spotify

import (
	"strings"
	"time"
)

// Profile is the user's Spotify account profile.
type Profile struct {
	SpotifyID   string
	Email       string
	DisplayName string
	ImageURL    string
}

// PlayedTrack is one recently-played entry.
type PlayedTrack struct {
	TrackID       string
	TrackName     string
	ArtistName    string
	AlbumName     string
	AlbumImageURL string
	DurationMs    int
	PlayedAt      time.Time
}

// TopTrack is one entry of the user's top tracks.
type TopTrack struct {
	TrackID       string `json:"trackId"`
	TrackName     string `json:"trackName"`
	ArtistName    string `json:"artistName"`
	AlbumName     string `json:"albumName"`
	AlbumImageURL string `json:"albumImage,omitempty"`
	Popularity    int    `json:"popularity"`
}

// TopArtist is one entry of the user's top artists.
type TopArtist struct {
	ArtistID   string   `json:"artistId"`
	ArtistName string   `json:"artistName"`
	Genres     []string `json:"genres"`
	ImageURL   string   `json:"image,omitempty"`
	Popularity int      `json:"popularity"`
}

// NowPlaying is the currently playing track, if any.
type NowPlaying struct {
	TrackID       string `json:"trackId"`
	TrackName     string `json:"trackName"`
	ArtistName    string `json:"artistName"`
	AlbumName     string `json:"albumName"`
	AlbumImageURL string `json:"albumImage,omitempty"`
	DurationMs    int    `json:"durationMs"`
	ProgressMs    int    `json:"progressMs"`
	IsPlaying     bool   `json:"isPlaying"`
}

// Wire types mirroring the Spotify Web API JSON.

type imageObject struct {
	URL string `json:"url"`
}

type artistObject struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Genres []string `json:"genres"`
}

type albumObject struct {
	Name   string        `json:"name"`
	Images []imageObject `json:"images"`
}

type trackObject struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	DurationMs int            `json:"duration_ms"`
	Popularity int            `json:"popularity"`
	Artists    []artistObject `json:"artists"`
	Album      albumObject    `json:"album"`
}

type profileResponse struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name"`
	Images      []imageObject `json:"images"`
}

type recentlyPlayedResponse struct {
	Items []struct {
		Track    trackObject `json:"track"`
		PlayedAt string      `json:"played_at"`
	} `json:"items"`
}

type topTracksResponse struct {
	Items []trackObject `json:"items"`
}

type topArtistsResponse struct {
	Items []struct {
		ID         string        `json:"id"`
		Name       string        `json:"name"`
		Genres     []string      `json:"genres"`
		Images     []imageObject `json:"images"`
		Popularity int           `json:"popularity"`
	} `json:"items"`
}

type currentlyPlayingResponse struct {
	Item       *trackObject `json:"item"`
	IsPlaying  bool         `json:"is_playing"`
	ProgressMs int          `json:"progress_ms"`
}

// joinArtists renders a track's artists the way history rows store
// them: names joined by ", ".
func joinArtists(artists []artistObject) string {
	names := make([]string, len(artists))
	for i, a := range artists {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}

func firstImage(images []imageObject) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
