package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderflow/internal/pkg/logger"
	"renderflow/internal/ports"
	"renderflow/internal/repositories"
	"renderflow/internal/submit"
)

type Deps struct {
	Pool *pgxpool.Pool
	RDB  *redis.Client
	SP   ports.ArtifactStore
	Log  *logger.Logger
}

type Handler struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	sp     ports.ArtifactStore
	runs   *repositories.RunRepository
	submit *submit.RedisQueue
	log    *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		pool:   d.Pool,
		rdb:    d.RDB,
		sp:     d.SP,
		runs:   repositories.NewRunRepository(d.Pool),
		submit: submit.NewRedisQueue(d.RDB, ""),
		log:    log.WithComponent("httpapi"),
	}
}
