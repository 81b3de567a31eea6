// Package main runs the congregation API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/congregation-app/backend/internal/announcements"
	"github.com/congregation-app/backend/internal/config"
	"github.com/congregation-app/backend/internal/expo"
	"github.com/congregation-app/backend/internal/github"
	"github.com/congregation-app/backend/internal/httpapi"
	"github.com/congregation-app/backend/internal/idempotency"
	"github.com/congregation-app/backend/internal/jobs"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/manifest"
	"github.com/congregation-app/backend/internal/middleware"
	"github.com/congregation-app/backend/internal/notifications"
	"github.com/congregation-app/backend/internal/supabase"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "congregation-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New("congregation-api", cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := supabase.New(supabase.Config{
		URL:        cfg.Supabase.URL,
		AnonKey:    cfg.Supabase.AnonKey,
		ServiceKey: cfg.Supabase.ServiceKey,
		Timeout:    cfg.HTTP.ClientTimeout,
	})
	if err != nil {
		return fmt.Errorf("supabase: %w", err)
	}
	images := db.Storage().From(cfg.Supabase.ImageBucket)

	push := expo.NewClient(expo.Config{
		APIURL:      cfg.Expo.APIURL,
		AccessToken: cfg.Expo.AccessToken,
		Timeout:     cfg.HTTP.ClientTimeout,
		Logger:      logger,
	})
	notifier := notifications.NewService(db, push, logger)

	keys, closeKeys, err := idempotencyStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	deps := httpapi.Deps{
		Logger:        logger,
		DB:            db,
		Images:        images,
		Announcements: announcements.NewService(db.Table("announcements"), images, notifier, keys, logger),
		Notifications: notifier,
		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		TokenTTL:      cfg.Auth.TokenTTL,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		CORSOrigins:   cfg.CORSOrigins(),
		RateLimiter:   middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, logger),
		Version:       version,
	}

	var refresher *jobs.ManifestRefresher
	if cfg.GitHubEnabled() {
		gh, err := github.NewClient(github.Config{
			Owner:   cfg.GitHub.Owner,
			Repo:    cfg.GitHub.Repo,
			Branch:  cfg.GitHub.Branch,
			Token:   cfg.GitHub.Token,
			APIURL:  cfg.GitHub.APIURL,
			Timeout: cfg.HTTP.ClientTimeout,
		})
		if err != nil {
			return fmt.Errorf("github: %w", err)
		}
		deps.Content = manifest.New(gh, manifest.Options{
			ManifestPath:     cfg.Manifest.Path,
			Branch:           cfg.GitHub.Branch,
			BatchConcurrency: cfg.Manifest.BatchConcurrency,
			Logger:           logger,
		})
		deps.OAuth = github.NewOAuth(github.OAuthConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			APIURL:       cfg.GitHub.APIURL,
		})

		if cfg.Manifest.RefreshCron != "" {
			refresher, err = jobs.NewManifestRefresher(cfg.Manifest.RefreshCron, deps.Content, logger)
			if err != nil {
				return err
			}
			refresher.Start()
		}
	} else {
		logger.Warn("GITHUB_OWNER/GITHUB_REPO not set; content store routes disabled")
	}

	stopCleanup := make(chan struct{})
	deps.RateLimiter.StartCleanup(5*time.Minute, stopCleanup)
	defer close(stopCleanup)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"port":    cfg.Port,
			"env":     cfg.Env,
			"version": version,
		}).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if refresher != nil {
		if err := refresher.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("manifest refresh still running at shutdown")
		}
	}
	if deps.Content != nil {
		if err := deps.Content.Wait(shutdownCtx); err != nil {
			logger.WithError(err).Warn("pending manifest regenerations abandoned")
		}
	}

	logger.Info("stopped")
	return nil
}

// idempotencyStore connects to Redis when REDIS_URL is set and otherwise
// keeps keys in memory, which only dedupes within this process.
func idempotencyStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (idempotency.Store, func(), error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set; idempotency keys kept in memory")
		return idempotency.NewMemoryStore(cfg.Redis.TTL), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := idempotency.NewRedisStoreFromURL(dialCtx, cfg.Redis.URL, cfg.Redis.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("redis close failed")
		}
	}, nil
}
