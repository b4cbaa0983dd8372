package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polysync/internal/config"
	"polysync/internal/logging"
	"polysync/internal/services"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	runWorker := flag.Bool("worker", false, "Run the sync worker")
	runAdmin := flag.Bool("admin", false, "Run the admin HTTP surface")
	runAll := flag.Bool("all", false, "Run every component")
	flag.Parse()

	// Default to everything if no component flags are given.
	if *runAll || (!*runWorker && !*runAdmin) {
		*runWorker = true
		*runAdmin = true
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			slog.Error("failed to flush logs", "error", err)
		}
	}()

	logger := slog.Default()
	logger.Info("starting polysync",
		"worker", *runWorker,
		"admin", *runAdmin,
		"phase", cfg.Migration.InitialPhase,
		"queueBackend", cfg.Queue.Backend)

	mgr := services.NewManager(cfg, services.Options{
		RunWorker: *runWorker,
		RunAdmin:  *runAdmin,
	}, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := mgr.Init(initCtx); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if err := mgr.Start(bgCtx); err != nil {
		logger.Error("failed to start", "error", err)
		mgr.Shutdown(initCtx)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	bgCancel()
	mgr.Shutdown(shutdownCtx)
}
