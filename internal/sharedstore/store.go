// Package sharedstore abstracts the Redis-shaped command surface the
// billing, credit ledger, and marketplace packages use for hot state,
// locking, and atomic scripts. Production code runs against Redis via
// RedisStore; tests run against MemStore, an in-process fake with no
// network dependency.
package sharedstore

import (
	"context"
	"time"
)

// ZMember is one member of a sorted set, returned by ZPopMin.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the narrow command surface every caller in this module needs.
// It mirrors the Redis commands named in the external-interfaces contract:
// GET, SET (NX, EX), DEL, EXISTS, INCRBY, INCRBYFLOAT, EXPIRE, HGETALL,
// HINCRBY, ZADD, ZPOPMIN, ZREMRANGEBYSCORE, ZCARD, and EVAL.
type Store interface {
	// Get returns the stored value, or ok=false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value unconditionally, with optional ttl (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent, with optional ttl. Returns
	// whether the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (deleted int64, err error)
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	ZAdd(ctx context.Context, key string, score float64, member string) (int64, error)
	ZPopMin(ctx context.Context, key string, count int64) ([]ZMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// Eval runs a registered script (see scripts.go) against keys/args using
	// the flat numkeys-then-keys-then-args convention: callers pass keys and
	// args as separate slices, and implementations assemble the Redis EVAL
	// call as numkeys, keys..., args....
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Close() error
}
