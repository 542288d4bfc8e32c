// Package submit moves run IDs from the API to the orchestrator daemon
// through a Redis list.
package submit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const DefaultQueueName = "renderflow:runs"

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push encola un run para el orquestador (LPUSH).
func (q *RedisQueue) Push(ctx context.Context, runID string) error {
	return q.rdb.LPush(ctx, q.queueName, runID).Err()
}

// Pop bloquea hasta que exista un run pendiente (BRPOP)
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, 0, q.queueName).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}
