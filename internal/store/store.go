package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks backend failures so callers can tell an unreachable
// store apart from a clean miss. The coordinator fails closed on it.
var ErrUnavailable = errors.New("cache store unavailable")

// Store is the shared coordination surface for cached content, locks and
// counters. Every operation is a single-key atomic action at the backend.
// Implemented by the memory store (dev/tests) and the Redis store (prod).
type Store interface {
	// Get returns (value, true, nil) on a hit and (nil, false, nil) on a
	// clean miss. Backend failures wrap ErrUnavailable.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL. ttl <= 0 is a no-op.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is currently absent. Returns true when
	// this call created the key.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta to the integer counter at key and returns
	// the new total. The TTL is applied when this call creates the key.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
