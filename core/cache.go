package core

import (
	"context"
	"time"
)

// Cache is the two-tier key/value cache used to memoize expensive external
// calls and keep lightweight counters. Implementations degrade gracefully:
// a distributed-tier outage never surfaces as an error to the caller.
//
// Key derivation is the caller's responsibility; for non-deterministic
// operations callers must either skip caching or fold the randomness seed
// into the key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	IncrBy(ctx context.Context, key string, delta int64) int64
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// NopCache satisfies Cache and never stores anything; used when caching is
// disabled for a deployment.
type NopCache struct{}

var _ Cache = (*NopCache)(nil)

func (NopCache) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (NopCache) Set(context.Context, string, []byte, time.Duration) {}
func (NopCache) IncrBy(context.Context, string, int64) int64        { return 0 }
func (NopCache) DeleteByPrefix(context.Context, string) error       { return nil }
