package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/rollcall-app/rollcall/internal/config"
	"github.com/rollcall-app/rollcall/internal/database"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/match"
	"github.com/rollcall-app/rollcall/internal/oracle"
	"github.com/rollcall-app/rollcall/internal/pipeline"
	"github.com/rollcall-app/rollcall/internal/repository"
	"github.com/rollcall-app/rollcall/internal/s3storage"
	"github.com/rollcall-app/rollcall/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect database", "error", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("ensure schema", "error", err)
	}
	repo := repository.New(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.Fatal("init storage", "error", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		logger.Fatal("ensure buckets", "error", err)
	}

	var orc oracle.Oracle = oracle.Disabled{}
	if remote := oracle.NewRemote(oracle.RemoteConfig{
		APIKey:  cfg.OracleAPIKey,
		BaseURL: cfg.OracleBaseURL,
		Model:   cfg.OracleModel,
		Timeout: cfg.OracleTimeout,
	}, logger); remote != nil {
		orc = remote
		logger.Info("matching oracle enabled", "model", cfg.OracleModel)
	} else {
		logger.Info("matching oracle disabled, pattern stage only")
	}

	engine := match.NewEngine(repo, orc, logger, cfg.RowParallelism, cfg.OracleSliceSize)
	proc := pipeline.New(repo, store, engine, logger, cfg.SampleRows, cfg.OracleJobBudget)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Concurrency,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker starting", "concurrency", cfg.Concurrency)
	if err := server.Run(worker.NewProcessor(proc, logger).Handler()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
