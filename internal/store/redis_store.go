package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis strings
type RedisStore struct {
	client     *redis.Client
	prefix     string
	expiration time.Duration
	logger     *zap.Logger
}

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Host       string
	Port       int
	Password   string
	DB         int
	PoolSize   int
	KeyPrefix  string
	Expiration time.Duration // 0 keeps keys forever
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis store",
		zap.String("addr", client.Options().Addr),
		zap.String("key_prefix", opts.KeyPrefix))

	return newRedisStore(client, opts, logger), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     opts.KeyPrefix,
		expiration: opts.Expiration,
		logger:     logger,
	}
}

// redisKey prefixes the binary key; Redis keys are binary safe
func redisKey(prefix string, key []byte) string {
	return prefix + string(key)
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, key []byte) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, redisKey(s.prefix, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load key: %w", err)
	}
	return data, true, nil
}

// LoadAll implements Store
func (s *RedisStore) LoadAll(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = redisKey(s.prefix, k)
	}

	vals, err := s.client.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[string(keys[i])] = []byte(str)
		}
	}
	return out, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, key, value []byte) error {
	if err := s.client.Set(ctx, redisKey(s.prefix, key), value, s.expiration).Err(); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// PutAll implements Store
func (s *RedisStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, redisKey(s.prefix, []byte(k)), v, s.expiration)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put %d keys: %w", len(entries), err)
	}
	return nil
}

// Remove implements Store
func (s *RedisStore) Remove(ctx context.Context, key []byte) error {
	if err := s.client.Del(ctx, redisKey(s.prefix, key)).Err(); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	return nil
}

// RemoveAll implements Store
func (s *RedisStore) RemoveAll(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}

	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = redisKey(s.prefix, k)
	}
	if err := s.client.Del(ctx, rkeys...).Err(); err != nil {
		return fmt.Errorf("failed to remove %d keys: %w", len(keys), err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
