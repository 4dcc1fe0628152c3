// Package presence provides the coordination primitive shared by every
// process in the fleet: topic pub/sub plus a small key-value surface
// (strings, hashes, sets, lists, counters) with best-effort TTL.
//
// Two implementations exist: Local (in-process, for single-instance and
// tests) and Redis (shared across processes). Matchmaking, IPC and the
// room listing cache are all built on this capability set.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or field does not exist.
var ErrNotFound = errors.New("presence: not found")

// SubscriptionHandler receives the raw payload published to a topic.
// Handlers for a given topic are invoked in publish order.
type SubscriptionHandler func(data []byte)

// Presence is the capability bundle required by the matchmaker, the IPC
// layer and the stats registry. Delivery is at-most-once per subscriber;
// ordering is only guaranteed per topic for a single publisher/subscriber
// pair. TTLs are best-effort.
type Presence interface {
	Subscribe(ctx context.Context, topic string, handler SubscriptionHandler) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Channels(ctx context.Context, pattern string) ([]string, error)

	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// HIncrByEx increments a hash field and refreshes the TTL of the whole
	// key in one step. Used for the fleet-wide create-room slot.
	HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)
	HLen(ctx context.Context, key string) (int, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int, error)
	// BRPop pops from the tail of the first non-empty key, blocking up to
	// timeout. ok is false when the timeout expired.
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, ok bool, err error)

	Shutdown(ctx context.Context) error
}
