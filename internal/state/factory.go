package state

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"renderflow/internal/adapters/state/localfs"
	"renderflow/internal/adapters/state/redisstate"
	"renderflow/internal/ports"
)

// Store is the checkpoint contract used across the orchestrator and API.
type Store = ports.StateStore

// NewStore picks the checkpoint backend from the environment.
// STATE_STORE=redis needs REDIS_ADDR; localfs is the default.
func NewStore() (Store, error) {
	switch store := os.Getenv("STATE_STORE"); store {
	case "", "localfs":
		root := os.Getenv("STATE_LOCAL_ROOT")
		if root == "" {
			root = "./data/state"
		}
		return localfs.New(root), nil

	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		return redisstate.New(rdb), nil

	default:
		return nil, fmt.Errorf("unknown state store: %s", store)
	}
}
