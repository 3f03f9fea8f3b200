package repositories

import (
	"context"

	"camlink/internal/core/ports"
	"camlink/internal/infrastructure/repositories/memory"
	redisrepo "camlink/internal/infrastructure/repositories/redis"
	"camlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory creates the relay's client registry, backed by Redis when it is
// enabled and reachable, with a fallback to memory.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	factory := &Factory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis client registry")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory client registry")
	}

	return factory, nil
}

func (f *Factory) CreateClientRegistry() ports.ClientRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewClientRegistry(f.redisClient)
	}
	return memory.NewClientRegistry()
}

// Close closes the Redis connection if one was opened.
func (f *Factory) Close() error {
	if f.redisClient != nil {
		return redisrepo.Close(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
