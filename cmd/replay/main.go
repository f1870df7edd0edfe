// Command replay runs the listening-history sync service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/replayfm/replay/internal/auth"
	"github.com/replayfm/replay/internal/cache"
	"github.com/replayfm/replay/internal/config"
	"github.com/replayfm/replay/internal/db"
	"github.com/replayfm/replay/internal/events"
	"github.com/replayfm/replay/internal/recap"
	"github.com/replayfm/replay/internal/spotify"
	"github.com/replayfm/replay/internal/sync"
	"github.com/replayfm/replay/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	redisCache, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	bus := events.NewRedisBus(redisCache.Client())

	authManager := auth.NewManager(
		database.Credentials(),
		auth.Config(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURI),
	)
	spotifyClient := spotify.New(authManager)

	syncService := sync.NewService(spotifyClient, database.Plays(), redisCache)
	tracker := sync.NewTracker(syncService, sync.WithReauthNotifier(bus))
	defer tracker.StopAll()

	recapService := recap.NewService(database.Plays(), database.Recaps())
	recapJob := recap.NewJob(database.Users(), recapService, recap.WithNotifier(bus))
	recapJob.Start(ctx)

	handlers := web.NewHandlers(
		authManager,
		spotifyClient,
		syncService,
		tracker,
		recapService,
		database.Users(),
		database.Plays(),
		redisCache,
		cfg.FrontendURL,
	)

	return web.NewServer(cfg.Addr, handlers).Run()
}
