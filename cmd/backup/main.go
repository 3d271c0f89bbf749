package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/imedwei/docprovider-backup/internal/backup"
	"github.com/imedwei/docprovider-backup/internal/config"
	"github.com/imedwei/docprovider-backup/internal/health"
	"github.com/imedwei/docprovider-backup/internal/hierarchy"
	"github.com/imedwei/docprovider-backup/internal/location"
	"github.com/imedwei/docprovider-backup/internal/metrics"
	"github.com/imedwei/docprovider-backup/internal/server"
	"github.com/imedwei/docprovider-backup/internal/settings"
	"github.com/imedwei/docprovider-backup/internal/utils"
)

var version = "dev"

func main() {
	// Bootstrap logger until the configured one is available
	logger := newLogger("INFO", "text")
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Document provider backup starting", "version", version)

	// Log configuration (without sensitive data)
	logger.Info("Configuration loaded",
		"storage_provider", cfg.StorageProvider,
		"storage_root", cfg.StorageRoot,
		"listing_timeout", cfg.ListingTimeout,
		"settle_delay", cfg.SettleDelay,
		"settings_dir", cfg.SettingsDir,
	)
	metrics.Info.WithLabelValues(version, cfg.StorageProvider).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := settings.Open(settings.Config{Dir: cfg.SettingsDir}, logger)
	if err != nil {
		logger.Error("Failed to open settings", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close settings", "error", err)
		}
	}()

	token, err := store.ActiveToken(ctx)
	if err != nil {
		logger.Error("Failed to read active token", "error", err)
		os.Exit(1)
	}

	loc := location.New(cfg, store, logger)
	defer func() {
		if err := loc.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	cache := hierarchy.New(loc, token, cfg.ListingTimeout, logger)
	coordinator := backup.NewCoordinator(cache, store, loc, logger)

	// Start metrics server if enabled
	var httpServer *server.Server
	var wg sync.WaitGroup

	if cfg.MetricsPort > 0 {
		serverConfig := server.DefaultConfig()
		serverConfig.Port = cfg.MetricsPort
		serverConfig.CheckTimeout = cfg.ListingTimeout
		httpServer = server.New(serverConfig, logger)
		httpServer.RegisterHealthCheck("storage", health.StorageCheck(cache))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Start(); err != nil {
				logger.Error("HTTP server failed", "error", err)
				cancel()
			}
		}()
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}

		if httpServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown failed", "error", err)
			}
		}
	}()

	active, err := coordinator.StartSession(ctx)
	if err != nil {
		logger.Error("Failed to start backup session", "error", err)
		os.Exit(1)
	}

	sets, err := coordinator.RestoreSets(ctx)
	if err != nil {
		logger.Warn("Failed to list restore sets", "error", err)
	}
	logger.Info("Backup session ready",
		"token", active,
		"started_at", utils.TokenTime(active),
		"restore_sets", len(sets),
	)

	if httpServer == nil {
		return
	}

	httpServer.MarkReady()
	<-ctx.Done()
	wg.Wait()
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
