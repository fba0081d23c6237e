package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/mwalimu/core"
)

// RedisCache is the shared remote tier. Write and counter failures are
// logged and swallowed so a redis outage degrades to recomputation instead
// of failing the pipeline.
type RedisCache struct {
	client *redis.Client
	log    core.Logger
}

var _ core.Cache = (*RedisCache)(nil)

func OpenRedis(conf *core.Config, log core.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Cache.RedisAddress,
		Password: conf.Cache.RedisPassword,
		DB:       conf.Cache.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return &RedisCache{client: client, log: log}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn(fmt.Sprintf("redis get %q: %v", key, err))
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn(fmt.Sprintf("redis set %q: %v", key, err))
	}
}

func (c *RedisCache) IncrBy(ctx context.Context, key string, delta int64) int64 {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		c.log.Warn(fmt.Sprintf("redis incrby %q: %v", key, err))
		return 0
	}
	return n
}

func (c *RedisCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(err, "redis del")
		}
	}
	return errors.Wrap(iter.Err(), "redis scan")
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
