// Package kv provides the shared-cache abstraction used for run
// coordination: lock records, response lists, control channels, and the
// dispatch queue. This allows swapping backends (Valkey/Redis, in-memory,
// etc.) without changing the coordinator implementation.
package kv

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a cooperative pub/sub listener over one or more channels.
type Subscription interface {
	// Recv returns the next message, or (nil, nil) when the timeout
	// elapses with nothing delivered. Callers use the timeout as a
	// periodic yield point for housekeeping.
	Recv(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close tears down the subscription. Safe to call more than once.
	Close() error
}

// Store defines the cache primitives the coordinator relies on. Every
// mutation maps to a natively atomic backend operation; no application
// locking is layered on top.
type Store interface {
	// Set stores a value with the given key and TTL.
	// If TTL is 0, the key does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns ErrNotFound if key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Returns nil if key doesn't exist.
	Delete(ctx context.Context, key string) error

	// SetNX sets a value only if the key doesn't exist (atomic).
	// Returns true if the key was set, false if it already existed.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Expire sets or replaces the TTL of an existing key. Returns false
	// if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// RPush appends values to the tail of the list at key, creating the
	// list if needed. Returns the new list length.
	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)

	// LRange returns list elements between start and stop inclusive,
	// with negative indices counting from the tail (-1 is the last).
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// LPopBlocking pops the head of the list at key, blocking up to
	// timeout. Returns (nil, nil) when the timeout elapses empty.
	LPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// Publish sends payload to all current subscribers of channel.
	// Delivery is at-least-once for connected subscribers, best-effort
	// otherwise.
	Publish(ctx context.Context, channel string, payload string) error

	// Subscribe opens a Subscription on the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close closes the connection to the store.
	Close() error
}
