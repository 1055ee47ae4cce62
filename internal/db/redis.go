package db

import (
	"context"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
	"github.com/redis/go-redis/v9"
)

var pingRedisFn = func(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// ConnectRedis returns nil without an address. An unreachable server is an
// error so callers can fall back to local-only fan-out.
func ConnectRedis(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pingRedisFn(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
