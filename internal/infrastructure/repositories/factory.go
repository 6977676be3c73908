package repositories

import (
	"context"

	"mprisctl/internal/core/ports"
	"mprisctl/internal/infrastructure/repositories/memory"
	redisrepo "mprisctl/internal/infrastructure/repositories/redis"
	"mprisctl/pkg/circuitbreaker"
	"mprisctl/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	redisClient *redis.Client
	keyPrefix   string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		keyPrefix: cfg.Redis.KeyPrefix,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil {
		logger.Info("using memory repositories")
	}
	return factory
}

// RedisClient is nil unless Redis is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreatePreferenceRepository() ports.PreferenceRepository {
	if f.redisClient != nil {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			f.logger.Warnw("redis circuit breaker changed state", "from", from, "to", to)
		})
		return redisrepo.NewPreferenceRepository(f.redisClient, f.keyPrefix, breaker)
	}
	return memory.NewPreferenceRepository()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
