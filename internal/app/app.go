// Package app assembles the pipeline from configuration: store, lease,
// stages, distribution targets, orchestrator, trigger, and HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"blog-pipeline/internal/analytics"
	"blog-pipeline/internal/api"
	"blog-pipeline/internal/config"
	"blog-pipeline/internal/lock"
	"blog-pipeline/internal/orchestrator"
	"blog-pipeline/internal/publish"
	"blog-pipeline/internal/ratelimit"
	"blog-pipeline/internal/stage"
	"blog-pipeline/internal/store"
)

// App holds the assembled pipeline and its shared resources.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Trigger *orchestrator.Trigger
	Handler http.Handler

	redisClient *redis.Client
}

// New builds the full pipeline. The caller owns Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	lease := lock.New(redisClient, cfg.Pipeline.LeaseTTL.Std())
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, cfg.RateLimit.TTL.Std())
	policy := orchestrator.NewRetryPolicy(cfg.Pipeline.BackoffBase.Std(), cfg.Pipeline.BackoffCap.Std(), cfg.Pipeline.QuotaBackoff.Std())

	targets, err := buildTargets(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		_ = redisClient.Close()
		return nil, err
	}

	reporter := analytics.NewRecorder(st, logger)
	stages := []stage.Stage{
		stage.NewSource(cfg.Generator, logger),
		stage.NewEnricher(cfg.Enrichment, st),
		stage.NewMonetizer(cfg.Monetization),
		publish.NewDistributor(targets, st, st, limiter, policy, reporter, cfg.Pipeline.MaxAttempts, logger),
	}
	orch := orchestrator.New(st, lease, stages, policy, reporter, orchestrator.Options{
		Workers:      cfg.Pipeline.Workers,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		StageTimeout: cfg.Pipeline.StageTimeout.Std(),
	}, logger)
	trigger := orchestrator.NewTrigger(orch, cfg.Pipeline.Interval.Std(), cfg.Pipeline.BatchSize, cfg.Pipeline.Topics, logger)
	server := api.NewServer(st, trigger, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       st,
		Trigger:     trigger,
		Handler:     server.Router(),
		redisClient: redisClient,
	}, nil
}

// buildTargets instantiates the enabled distribution targets in config order.
func buildTargets(ctx context.Context, cfg config.Config, st *store.Store, logger *slog.Logger) ([]publish.Target, error) {
	siteBase := cfg.Targets.Site.BaseURL
	var uploader publish.Uploader

	needUploader := false
	for _, name := range cfg.Targets.Enabled {
		if name == "site" || name == "pinterest" {
			needUploader = true
		}
	}
	if needUploader {
		var err error
		uploader, err = publish.NewUploader(ctx, cfg.Targets.Site)
		if err != nil {
			return nil, fmt.Errorf("build uploader: %w", err)
		}
	}

	targets := make([]publish.Target, 0, len(cfg.Targets.Enabled))
	for _, name := range cfg.Targets.Enabled {
		switch name {
		case "site":
			targets = append(targets, publish.NewSiteTarget(cfg.Targets.Site, uploader, st, logger))
		case "pinterest":
			targets = append(targets, publish.NewPinterestTarget(cfg.Targets.Pinterest, siteBase, uploader, logger))
		case "reddit":
			targets = append(targets, publish.NewRedditTarget(cfg.Targets.Reddit, siteBase, logger))
		case "medium":
			targets = append(targets, publish.NewMediumTarget(cfg.Targets.Medium, siteBase, logger))
		default:
			return nil, fmt.Errorf("unknown target %q", name)
		}
	}
	return targets, nil
}

// Close releases the app's shared resources.
func (a *App) Close() {
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
