package store

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend   string
	Prefix    string
	OpTimeout time.Duration
}

func NewStore(cfg Config, redisClient *redis.Client) Store {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(redisClient, RedisConfig{
			Prefix:    cfg.Prefix,
			OpTimeout: cfg.OpTimeout,
		})
	default:
		return NewMemoryStore(5 * time.Minute)
	}
}
