// Package config loads application configuration from the environment,
// with optional .env file support for local development.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// ErrMissingSpotifyCredentials is returned when the Spotify app
// credentials are not configured.
var ErrMissingSpotifyCredentials = errors.New("missing SPOTIFY_CLIENT_ID or SPOTIFY_CLIENT_SECRET")

// Config holds all runtime configuration.
type Config struct {
	Addr        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string

	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyRedirectURI  string

	FrontendURL string
}

// Load reads configuration from a .env file (when present) and the
// process environment. Returns ErrMissingSpotifyCredentials when the
// Spotify app credentials are absent.
func Load() (*Config, error) {
	// Missing .env is fine in containers; env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                getEnv("ADDR", "127.0.0.1:8080"),
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost:5432/replay?sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		SpotifyClientID:     getEnv("SPOTIFY_CLIENT_ID", ""),
		SpotifyClientSecret: getEnv("SPOTIFY_CLIENT_SECRET", ""),
		SpotifyRedirectURI:  getEnv("SPOTIFY_REDIRECT_URI", "http://127.0.0.1:8080/auth/callback"),
		FrontendURL:         getEnv("FRONTEND_URL", "http://localhost:3000"),
	}

	if cfg.SpotifyClientID == "" || cfg.SpotifyClientSecret == "" {
		return nil, ErrMissingSpotifyCredentials
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
