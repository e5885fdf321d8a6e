package repositories

import (
	"context"

	"guffrelay/internal/core/ports"
	"guffrelay/internal/infrastructure/repositories/memory"
	redisrepo "guffrelay/internal/infrastructure/repositories/redis"
	"guffrelay/pkg/circuitbreaker"
	"guffrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the waiting pool with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	keyPrefix   string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory. A Redis backend that
// cannot be reached degrades to the single-instance memory pool.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		keyPrefix: cfg.Redis.KeyPrefix,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory waiting pool",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis waiting pool")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory waiting pool")
	}

	return factory, nil
}

// newRepositoryFactoryWithClient is used by tests to skip the connect retry.
func newRepositoryFactoryWithClient(client *redis.Client, prefix string, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{
		useRedis:    client != nil,
		redisClient: client,
		keyPrefix:   prefix,
		logger:      logger,
	}
}

// CreateWaitingPool creates the waiting pool (Redis or memory with fallback).
// The Redis pool sits behind a circuit breaker so an unavailable server fails
// fast instead of stalling every connection on network timeouts.
func (f *RepositoryFactory) CreateWaitingPool() ports.WaitingPool {
	if f.UsingRedis() {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			f.logger.Warnw("redis waiting pool circuit changed state",
				"from", from.String(),
				"to", to.String(),
			)
		})
		return newInstrumentedPool(redisrepo.NewRedisWaitingPool(f.redisClient, f.keyPrefix), "redis", breaker)
	}
	return newInstrumentedPool(memory.NewMemoryWaitingPool(), "memory", nil)
}

// CreateInstancePurger returns the Redis pool used by the liveness sweep, or
// nil when the pool is local to this process.
func (f *RepositoryFactory) CreateInstancePurger() *redisrepo.RedisWaitingPool {
	if !f.UsingRedis() {
		return nil
	}
	return redisrepo.NewRedisWaitingPool(f.redisClient, f.keyPrefix)
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, nil in memory mode.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsingRedis() {
		return nil
	}
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
