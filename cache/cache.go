// Package cache provides the two-tier result cache: a process-local LRU in
// front of a shared redis. Cache failures degrade to recomputation and are
// never surfaced to readers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/trezcool/mwalimu/core"
)

// TieredCache reads through the local tier first, falls back to the remote
// tier and backfills local hits. Counters and invalidation go straight to
// the remote tier so every worker sees them.
type TieredCache struct {
	local  *LocalCache
	remote core.Cache
}

var _ core.Cache = (*TieredCache)(nil)

func NewTiered(local *LocalCache, remote core.Cache) *TieredCache {
	if remote == nil {
		remote = core.NopCache{}
	}
	return &TieredCache{local: local, remote: remote}
}

func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := c.local.Get(ctx, key); ok {
		return val, true
	}
	val, ok := c.remote.Get(ctx, key)
	if !ok {
		return nil, false
	}
	// remote hit; backfill with a short TTL since the remote copy owns expiry
	c.local.Set(ctx, key, val, time.Minute)
	return val, true
}

func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Set(ctx, key, value, ttl)
	c.remote.Set(ctx, key, value, ttl)
}

func (c *TieredCache) IncrBy(ctx context.Context, key string, delta int64) int64 {
	return c.remote.IncrBy(ctx, key, delta)
}

func (c *TieredCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	_ = c.local.DeleteByPrefix(ctx, prefix)
	return c.remote.DeleteByPrefix(ctx, prefix)
}

// Key builds a namespaced cache key. The variable parts are hashed so keys
// stay bounded regardless of input size, and any change to a part yields a
// different key.
func Key(namespace string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return namespace + ":" + hex.EncodeToString(h[:])
}
