package objstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

type redisStore struct{ cli *redis.Client }

func OpenRedis(ctx context.Context, c Config) (Store, error) {
	cli := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &redisStore{cli: cli}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotExist
	}
	return b, err
}

func (s *redisStore) Put(ctx context.Context, key string, data []byte) error {
	return s.cli.Set(ctx, key, data, 0).Err()
}

func (s *redisStore) Close() error { return s.cli.Close() }
