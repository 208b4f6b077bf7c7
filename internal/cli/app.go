package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/config"
	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/mastodon"
	"github.com/bryan-buckman/tootarchive/internal/media"
)

// app holds the components shared by every command.
type app struct {
	cfg   *config.Config
	log   logging.Logger
	zap   *logging.ZapLogger
	hub   *sentry.Hub
	store database.Store

	syncer  *archive.Syncer
	scanner *media.Scanner
	cycle   *archive.Cycle
}

func newLogger(cfg *config.Config) (*logging.ZapLogger, logging.Logger, *sentry.Hub, error) {
	zl, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.SentryDSN == "" {
		return zl, zl, nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{Dsn: cfg.SentryDSN})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init sentry: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	return zl, logging.WithSentry(zl, hub), hub, nil
}

// newApp opens the store and builds the pipeline from cfg.
func newApp(cfg *config.Config) (*app, error) {
	zl, log, hub, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info(context.Background(), "store opened", "database", store.DatabaseType())

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	client, err := mastodon.NewClient(mastodon.Options{
		BaseURL:           cfg.MastodonURL,
		AccountID:         cfg.AccountID,
		PageLimit:         cfg.PageLimit,
		PageDelay:         cfg.PageDelay,
		RateLimitCooldown: cfg.RateLimitCooldown,
		HTTPClient:        httpClient,
		Logger:            log.With("component", "mastodon"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	var probe archive.LatestProber
	if cfg.FeedURL != "" {
		probe = mastodon.NewFeedProbe(cfg.FeedURL, httpClient)
	}

	syncer := archive.NewSyncer(store, client, probe, log.With("component", "sync"))
	scanner := media.NewScanner(store, media.NewHTTPFetcher(httpClient), cfg.MediaPath, cfg.PostDelay, log.With("component", "media"))

	return &app{
		cfg:     cfg,
		log:     log,
		zap:     zl,
		hub:     hub,
		store:   store,
		syncer:  syncer,
		scanner: scanner,
		cycle:   archive.NewCycle(syncer, scanner, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error(context.Background(), "close store", "error", err)
	}
	if a.hub != nil {
		a.hub.Flush(2 * time.Second)
	}
	_ = a.zap.Sync()
}
