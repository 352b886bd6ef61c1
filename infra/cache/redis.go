package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"

	"assistant-relay/config"
)

const (
	defaultTTL  = time.Hour
	maxJitter   = 10 * time.Minute
	lockTTL     = 10 * time.Second
	lockRetries = 5
	lockBackoff = 50 * time.Millisecond
)

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisCache(client, cfg.Prefix, cfg.CacheTTL), nil
}

func newRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// GetWithProtection reads key, and on a miss lets exactly one caller run
// loader while the others wait briefly for its result. Redis failures fall
// back to calling loader directly.
func (r *RedisCache) GetWithProtection(ctx context.Context, key string, loader func() ([]byte, error)) ([]byte, error) {
	fullKey := r.prefix + key

	data, err := r.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		return loader()
	}
	lockKey := r.prefix + "lock:" + key

	for range lockRetries {
		locked, err := r.client.SetNX(ctx, lockKey, "1", lockTTL).Result()
		if err != nil {
			return loader()
		}

		if locked {
			defer r.client.Del(context.WithoutCancel(ctx), lockKey)

			data, err = loader()
			if err != nil {
				return nil, err
			}
			// jittered TTL spreads expiry; a failed write only costs a reload later
			_ = r.client.Set(ctx, fullKey, data, jitteredTTL(r.ttl)).Err()
			return data, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
		data, err = r.client.Get(ctx, fullKey).Bytes()
		if err == nil {
			return data, nil
		}
	}

	return loader()
}

// Incr bumps a fixed-window counter and returns the new count. The window
// starts with the first hit. The TTL is set in the same transaction as the
// first increment, so a key never outlives its window.
func (r *RedisCache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := r.prefix + key
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, fullKey, 0, window)
		incr = pipe.Incr(ctx, fullKey)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Delete drops a cached value so the next read reloads it.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func jitteredTTL(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(maxJitter)))
}
