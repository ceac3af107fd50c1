package notify

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/wisdar/engine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(NewRedisClient),
	fx.Provide(func(client *redis.Client, log *zap.Logger) Bus {
		return NewRedisBus(client, log)
	}),
)

// NewRedisClient connects to redis and registers a shutdown hook.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}
