package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// Redis client defaults. The counter workload is small single-key
// commands, so a modest pool is enough.
const (
	redisPoolSize     = 10
	redisMinIdleConns = 2
	redisMaxRetries   = 3
	redisDialTimeout  = 5 * time.Second
	redisOpTimeout    = 3 * time.Second

	defaultKeyPrefix = "dispatch:ratelimit:"
)

// incrementWithExpiryScript atomically increments a counter and sets
// its expiration when the increment created the key.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = expiration in seconds.
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore is a Store backed by Redis, shared across gateway
// processes.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
	mu     sync.Mutex
	closed bool
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisStoreLogger sets the store logger.
func WithRedisStoreLogger(logger observability.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisStore(cfg *config.RedisStoreConfig, opts ...RedisStoreOption) (*RedisStore, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis store: address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	s := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     redisPoolSize,
			MinIdleConns: redisMinIdleConns,
			MaxRetries:   redisMaxRetries,
			DialTimeout:  redisDialTimeout,
			ReadTimeout:  redisOpTimeout,
			WriteTimeout: redisOpTimeout,
		}),
		prefix: prefix,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", cfg.Address, err)
	}

	s.logger.Info("connected to redis counter store",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB),
		observability.String("prefix", prefix),
	)

	return s, nil
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	if err == redis.Nil {
		GetStoreMetrics().Observe("get", "not_found", start)
		return 0, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		GetStoreMetrics().Observe("get", "error", start)
		return 0, fmt.Errorf("redis get: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		GetStoreMetrics().Observe("get", "error", start)
		return 0, fmt.Errorf("redis get: parse %q: %w", val, err)
	}

	GetStoreMetrics().Observe("get", "success", start)
	return n, nil
}

// IncrementWithExpiry implements Store. The increment and the expiry
// run in one Lua script, so the counter never outlives its window and
// concurrent increments from any process serialize in Redis.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	start := time.Now()

	expirationSecs := int64(expiration.Seconds())
	if expirationSecs < 1 {
		expirationSecs = 1
	}

	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, expirationSecs).Result()
	if err != nil {
		GetStoreMetrics().Observe("increment_with_expiry", "error", start)
		return 0, fmt.Errorf("redis increment: %w", err)
	}

	val, ok := result.(int64)
	if !ok {
		GetStoreMetrics().Observe("increment_with_expiry", "error", start)
		return 0, fmt.Errorf("redis increment: unexpected script result type %T", result)
	}

	GetStoreMetrics().Observe("increment_with_expiry", "success", start)
	return val, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()

	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		GetStoreMetrics().Observe("delete", "error", start)
		return fmt.Errorf("redis delete: %w", err)
	}

	GetStoreMetrics().Observe("delete", "success", start)
	return nil
}

// Close closes the Redis client. It is safe to call more than once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Client exposes the underlying Redis client for tests.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
