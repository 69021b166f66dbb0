package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore - Redis hash 하나에 모든 key 를 저장
type RedisStore struct {
	rdb  *redis.Client
	hash string
}

// NewRedisStore - RedisStore 생성
func NewRedisStore(rdb *redis.Client, hash string) *RedisStore {
	return &RedisStore{rdb: rdb, hash: hash}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.rdb.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s/%s: %w", s.hash, key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s/%s: %w", s.hash, key, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	values, err := s.rdb.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.hash, err)
	}
	return values, nil
}
