package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"blog-pipeline/internal/app"
	"blog-pipeline/internal/config"
	"blog-pipeline/internal/logging"
	"blog-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		var fatal *config.FatalError
		if errors.As(err, &fatal) {
			log.Fatalf("configuration: %v", fatal)
		}
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("orchestrator started",
		"interval", cfg.Pipeline.Interval,
		"workers", cfg.Pipeline.Workers,
		"batch_size", cfg.Pipeline.BatchSize,
		"targets", cfg.Targets.Enabled)
	a.Trigger.Run(ctx)
	logger.Info("orchestrator stopped")
}
