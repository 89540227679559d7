package cache

import (
	"context"
	"displaywallet/pkg/logger"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Store is a Redis key/value store. The display snapshot lives here.
type Store struct {
	client *redis.Client
}

// New connects to Redis and pings it once.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &Store{client: rdb}
	if err := s.Ping(ctx); err != nil {
		logger.Error("Failed to connect to Redis", zap.String("host", cfg.Host), zap.Error(err))
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host), zap.Int("db", cfg.DB))
	return s, nil
}

// Client exposes the connection so the stream queue can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Get returns "" and no error for a missing key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := s.client.Set(ctx, key, value, expiration).Err(); err != nil {
		logger.Error("Failed to set key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// SetJSON stores value marshaled as JSON.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	return s.Set(ctx, key, data, expiration)
}

// GetJSON decodes the value at key into target. It reports false for a
// missing key.
func (s *Store) GetJSON(ctx context.Context, key string, target interface{}) (bool, error) {
	val, err := s.Get(ctx, key)
	if err != nil || val == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return false, fmt.Errorf("failed to unmarshal value of %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

// TTL returns the remaining lifetime of key, negative if it has none.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// Ping tests the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
