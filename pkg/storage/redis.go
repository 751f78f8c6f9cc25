package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const scanCount = 256

type redisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV stores values under prefix+key in Redis, delegating expiry to the server.
func NewRedisKV(client *redis.Client, prefix string) KV {
	return &redisKV{
		client: client,
		prefix: prefix,
	}
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, pkgerrors.ErrEmptyKey
	}

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *redisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)

	return keys, nil
}
