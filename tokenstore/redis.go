package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists tokens in Redis so that multiple processes fronting
// the same collection can hand the stream position over.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis instance at addr. All keys are
// stored under the "doccache:token:" prefix.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis token store: %w", err)
	}
	return &RedisStore{client: client, prefix: "doccache:token:"}, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.ErrClosed) {
		return nil, ErrStoreClosed
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resume token: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, token []byte) error {
	err := s.client.Set(ctx, s.prefix+key, token, 0).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("failed to save resume token: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.prefix+key).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("failed to delete resume token: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
