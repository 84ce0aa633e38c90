package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ezvizplug/internal/api"
	"ezvizplug/internal/clock"
	"ezvizplug/internal/config"
	"ezvizplug/internal/ezviz"
	"ezvizplug/internal/plug"
	"ezvizplug/internal/store"

	"go.uber.org/zap"
)

func main() {
	validateOnly := flag.Bool("validate", false, "Log in once, print the result and exit")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if cfg.ZapLevel() != zap.InfoLevel {
		zapCfg := zap.NewProductionConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
		if l, err := zapCfg.Build(); err == nil {
			logger = l
			defer logger.Sync()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *validateOnly {
		os.Exit(runValidate(ctx, cfg, logger))
	}

	logger.Info("Starting EZVIZ plug daemon",
		zap.String("url", cfg.URL),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("state_file", cfg.StateFile))

	client := ezviz.NewClient(cfg.EzvizConfig(), logger.Named("ezviz"))
	defer client.CloseSession()

	stateStore := store.NewFileStore(cfg.StateFile, logger.Named("store"))
	realClock := clock.NewRealClock()

	coordinator := plug.NewCoordinator(client, stateStore, realClock, logger.Named("coordinator"))

	registry := api.NewRegistry()
	if err := plug.Bootstrap(ctx, coordinator, registry, logger.Named("setup")); err != nil {
		logger.Fatal("Failed to authenticate with EZVIZ",
			zap.String("reason", ezviz.ErrorReason(err)),
			zap.Error(err))
	}

	server := api.NewServer(registry, coordinator, logger.Named("api"), cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	poller := plug.NewPoller(coordinator, realClock, cfg.PollInterval, logger.Named("poller"))
	if err := poller.Start(ctx); err != nil {
		logger.Fatal("Failed to start poller", zap.Error(err))
	}

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Int("switches", len(registry.All())))

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	poller.Stop()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}

// runValidate performs one login and prints the outcome
func runValidate(ctx context.Context, cfg config.Config, logger *zap.Logger) int {
	session, err := ezviz.ValidateAuth(ctx, cfg.EzvizConfig(), logger.Named("ezviz"))
	if err != nil {
		fmt.Printf("error: %s\n", ezviz.ErrorReason(err))
		logger.Error("Validation failed", zap.Error(err))
		return 1
	}

	fmt.Printf("ok: %s (%s)\n", cfg.Email, session.APIURL)
	return 0
}
