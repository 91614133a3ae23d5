// Package lock provides distributed mutual exclusion over the shared store's
// conditional-set primitive. At most one holder exists per key; the TTL
// upper-bounds lock lifetime so a crashed holder cannot starve waiters.
package lock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

// Status is the outcome of an acquire attempt.
type Status int

const (
	// StatusAcquired means this caller now holds the lock.
	StatusAcquired Status = iota
	// StatusHeld means another caller holds the lock.
	StatusHeld
	// StatusUnavailable means the store could not answer; callers must not
	// proceed with protected work.
	StatusUnavailable
)

// Manager coordinates generation locks through the store.
type Manager struct {
	store store.Store
	ttl   time.Duration
}

// NewManager creates a lock manager. The TTL must exceed the worst-case
// generation latency, otherwise a slow holder's lock can expire under it and
// admit a duplicate generation.
func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{store: s, ttl: ttl}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts a conditional-set on the lock key. The set only succeeds
// if the key is absent, which is atomic at the store.
func (m *Manager) Acquire(ctx context.Context, key string) (Status, error) {
	ok, err := m.store.SetNX(ctx, lockKey(key), []byte("1"), m.ttl)
	if err != nil {
		// Whatever the failure, the lock state is unknown; callers must not
		// proceed with protected work.
		return StatusUnavailable, err
	}
	if !ok {
		return StatusHeld, nil
	}
	return StatusAcquired, nil
}

// Release deletes the lock key. Best-effort: a failed release only means the
// lock lingers until its TTL expires, so the error is logged and swallowed.
func (m *Manager) Release(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, lockKey(key)); err != nil {
		logging.L(ctx).Warn("lock release failed, ttl will reap it",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// TTL reports the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
