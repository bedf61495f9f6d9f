package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/internal/config"
	"github.com/0xmhha/chainindexer/internal/logger"
	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/engine"
	"github.com/0xmhha/chainindexer/pkg/httpapi"
	"github.com/0xmhha/chainindexer/pkg/pebblecache"
	"github.com/0xmhha/chainindexer/pkg/rpctransport"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Ethereum RPC endpoint URL")
		dbPath      = flag.String("db", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		enableAPI   = flag.Bool("api", false, "Enable the read-only HTTP/websocket status shell")
		apiAddr     = flag.String("api-addr", "", "Status shell listen address")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainindexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *rpcEndpoint, *dbPath, *logLevel, *logFormat, *enableAPI, *apiAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log = logger.WithChainID(log, cfg.Indexer.ChainID)
	log.Info("starting chainindexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("db_path", cfg.Database.Path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	transport, err := rpctransport.Dial(ctx, rpctransport.Config{
		Endpoint:    cfg.RPC.Endpoint,
		Logger:      log,
		MaxRetries:  cfg.RPC.MaxRetries,
		RetryDelay:  cfg.RPC.RetryDelay,
		Concurrency: cfg.RPC.Concurrency,
		RateLimit:   cfg.RPC.RateLimit,
	})
	if err != nil {
		log.Fatal("failed to dial rpc endpoint", zap.Error(err))
	}
	defer transport.Close()

	cache, err := pebblecache.Open(pebblecache.Config{Path: cfg.Database.Path})
	if err != nil {
		log.Fatal("failed to open cache", zap.Error(err))
	}
	defer cache.Close()

	store := pebblecache.NewSubscriptionStore(cache)
	registry := abicodec.NewRegistry()
	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)

	idx := engine.NewIndexer(engine.Config{
		Client:       transport,
		Cache:        cache,
		Store:        store,
		Registry:     registry,
		Logger:       log,
		Metrics:      metrics,
		PollInterval: cfg.Indexer.PollingInterval,
	})

	idx.OnStarted(func() { log.Info("indexer started") })
	idx.OnStopped(func() { log.Info("indexer stopped") })
	idx.OnError(func(err error) { log.Error("indexer tick error", zap.Error(err)) })
	idx.OnProgress(func(p engine.ProgressInfo) {
		log.Info("indexer progress",
			zap.Uint64("current_block", p.CurrentBlock),
			zap.Uint64("target_block", p.TargetBlock),
			zap.Int("pending_events", p.PendingEventsCount),
		)
	})

	var apiServer *httpapi.Server
	if cfg.API.Enabled {
		apiServer = httpapi.New(httpapi.Config{Addr: cfg.API.Addr, Logger: log}, idx)
		go func() {
			if err := apiServer.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("status shell stopped with error", zap.Error(err))
			}
		}()
		log.Info("status shell listening", zap.String("addr", cfg.API.Addr))
	}

	if err := idx.Watch(); err != nil {
		log.Fatal("failed to start indexer", zap.Error(err))
	}

	<-sigChan
	log.Info("received shutdown signal")
	cancel()

	if err := idx.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		log.Error("failed to stop indexer cleanly", zap.Error(err))
	}

	log.Info("chainindexer stopped")
}

func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyFlags(cfg *config.Config, rpcEndpoint, dbPath, logLevel, logFormat string, enableAPI bool, apiAddr string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiAddr != "" {
		cfg.API.Addr = apiAddr
	}
}

func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		cfg := logger.Config{
			Level:    level,
			Encoding: "json",
		}
		return logger.NewWithConfig(&cfg)
	}
	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
