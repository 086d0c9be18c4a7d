// Copyright 2025 James Ross
// Package redisclient builds a pooled, retrying go-redis client from the
// loaded Config, the single Redis connection shared by the broker, the pool,
// and the scaling service.
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaydeck/meshcore/internal/config"
)

// New returns a configured go-redis client with pooling and retries sized
// from the loaded config.
func New(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	opt.PoolSize = poolSize
	opt.MinIdleConns = cfg.Redis.MinIdleConns
	opt.DialTimeout = cfg.Redis.DialTimeout
	opt.ReadTimeout = cfg.Redis.ReadTimeout
	opt.WriteTimeout = cfg.Redis.WriteTimeout
	opt.MaxRetries = cfg.Redis.MaxRetries
	opt.ConnMaxIdleTime = 5 * time.Minute

	return redis.NewClient(opt), nil
}
