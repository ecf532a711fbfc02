package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis dials Redis and returns the client together with a redislock
// client built on top of it. Redis is optional infrastructure here (snapshot
// cache + job locks); callers may run with nil clients.
func ConnectRedis(ctx context.Context, cfg Config) (*redis.Client, *redislock.Client, error) {
	redisAddr := cfg.RedisAddress
	if redisAddr == "" {
		redisAddr = "localhost:6379"
		log.Printf("REDIS_ADDRESS not set; defaulting to %s", redisAddr)
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: "",
			DB:       0,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err == nil {
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
			return rdb, redislock.New(rdb), nil
		} else if attempt >= 5 {
			return nil, nil, fmt.Errorf("connect redis %s after %d attempts: %w", redisAddr, attempt, err)
		} else {
			sleep := time.Second * time.Duration(1<<min(attempt, 5))
			if sleep > 30*time.Second {
				sleep = 30 * time.Second
			}
			log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, sleep)
			time.Sleep(sleep)
		}
	}
}
