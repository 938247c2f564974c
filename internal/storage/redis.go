package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "safetrail:"

type redisStore struct {
	client *redis.Client
}

func NewRedis(url string) (Store, error) {
	if strings.TrimSpace(url) == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
