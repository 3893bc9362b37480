package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"driveguard/internal/api"
	"driveguard/internal/config"
	"driveguard/internal/engine"
	"driveguard/internal/ingest"
	"driveguard/internal/logging"
	"driveguard/internal/storage"
	"driveguard/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to yaml or json config file")
	flag.Parse()

	var (
		manager *config.Manager
		err     error
	)
	if *configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	eng := engine.New(store, logger, cfg.Engine)
	if err := eng.InitStats(ctx); err != nil {
		logger.Error("stats init failed", "err", err)
		os.Exit(1)
	}

	sweeper.New(eng, logger, cfg.Sweeper).Start(ctx)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, eng, logger)
	api.Start(ctx, cfg.API, store, eng, logger)

	logger.Info("driveguard started", "storage", cfg.Storage.Driver, "api", cfg.API.Addr)
	<-ctx.Done()
	logger.Info("driveguard stopping")
}
