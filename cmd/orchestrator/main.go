package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"renderflow/internal/backend"
	"renderflow/internal/config"
	"renderflow/internal/extract"
	"renderflow/internal/models"
	"renderflow/internal/orchestrator"
	"renderflow/internal/pkg/logger"
	"renderflow/internal/pkg/shutdown"
	"renderflow/internal/pool"
	"renderflow/internal/queue"
	"renderflow/internal/repositories"
	"renderflow/internal/state"
	"renderflow/internal/storage"
	"renderflow/internal/submit"
)

func main() {
	_ = godotenv.Load()

	cfgPath := getEnv("CONFIG_PATH", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Format:      cfg.Service.LogFormat,
		ServiceName: "renderflow-orchestrator",
	})
	log.Info("starting orchestrator",
		"version", "0.1.0",
		"config", cfgPath,
		"instances", len(cfg.Instances),
		"mode", string(cfg.Execution.Mode),
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	// Postgres: fuente de los run specs y espejo de historial
	dbURL := cfg.Postgres.URL
	if dbURL == "" {
		dbURL = mustEnv(log, "DATABASE_URL")
	}
	pgPool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	if err := pgPool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pgPool.Close()
		return nil
	})
	runs := repositories.NewRunRepository(pgPool)

	// Redis: cola de runs entrantes
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	submitQueue := submit.NewRedisQueue(rdb, cfg.Redis.Queue)

	// Checkpoints
	checkpoints, err := state.NewStore()
	if err != nil {
		log.LogFatal("failed to initialize state store", err)
	}
	log.Info("state store ready", "store", checkpoints.Store())

	// Artifact store para la salida final
	uploader, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider ready", "provider", uploader.Provider())

	// Pool de instancias de render
	if len(cfg.Instances) == 0 {
		log.Error("no instances configured")
		return
	}
	instancePool := pool.New(cfg.Instances, func(d models.InstanceDescriptor) backend.Client {
		return backend.NewHTTPClient(d.ID, "http://"+d.Address())
	}, log)
	if err := instancePool.ConnectAll(ctx); err != nil {
		log.LogFatal("no render instances reachable", err)
	}
	shutdownMgr.RegisterSimple("instance-pool", instancePool.Close)

	orch := orchestrator.New(orchestrator.Deps{
		Cfg:         cfg,
		Queue:       queue.NewManager(log),
		Pool:        instancePool,
		Extractor:   extract.NewFFmpeg(log),
		Checkpoints: checkpoints,
		Runs:        runs,
		Uploader:    uploader,
		Log:         log,
	})
	daemon := orchestrator.NewDaemon(orch, submitQueue, log)

	// registrado al final: en el apagado (LIFO) se cancela primero
	runCtx, cancelRuns := context.WithCancel(ctx)
	shutdownMgr.RegisterSimple("daemon", cancelRuns)

	log.Info("orchestrator ready, waiting for runs")
	go func() {
		if err := daemon.Run(runCtx); err != nil && err != context.Canceled {
			log.Error("daemon stopped", "error", err.Error())
		}
	}()

	shutdownMgr.Wait()
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

// mustEnv gets a required environment variable or exits.
func mustEnv(log *logger.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Error("missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}
