package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raine/estate-client/internal/session"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "estate:tokens:"

// RedisStore implements TokenStore on top of Redis. Entries are stored as
// plain JSON under a prefixed key.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

var _ TokenStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. A zero ttl keeps entries until
// they are removed.
func NewRedisStore(r *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: r, prefix: defaultRedisPrefix, ttl: ttl}
}

// DialRedisStore connects to addr and verifies the connection with PING.
func DialRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStore(rdb, ttl), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*session.TokenPair, error) {
	raw, err := s.redis.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var tokens session.TokenPair
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return &tokens, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, tokens session.TokenPair) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	if err := s.redis.Set(ctx, s.prefix+key, string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
