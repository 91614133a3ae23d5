package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
)

// downStore simulates an unreachable backend.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func TestManager_AcquireAndContend(t *testing.T) {
	s := store.NewMemoryStore(time.Minute)
	defer s.Close()
	m := NewManager(s, time.Minute)
	ctx := context.Background()

	status, err := m.Acquire(ctx, "reading:v1:en:natal_chart:abc")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if status != StatusAcquired {
		t.Fatalf("expected StatusAcquired, got %v", status)
	}

	status, err = m.Acquire(ctx, "reading:v1:en:natal_chart:abc")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if status != StatusHeld {
		t.Fatalf("expected StatusHeld, got %v", status)
	}

	// A different key is independent.
	status, _ = m.Acquire(ctx, "reading:v1:en:natal_chart:other")
	if status != StatusAcquired {
		t.Fatalf("expected independent key to acquire, got %v", status)
	}
}

func TestManager_ReleaseFreesTheKey(t *testing.T) {
	s := store.NewMemoryStore(time.Minute)
	defer s.Close()
	m := NewManager(s, time.Minute)
	ctx := context.Background()

	if status, _ := m.Acquire(ctx, "k"); status != StatusAcquired {
		t.Fatalf("expected acquire")
	}
	m.Release(ctx, "k")

	if status, _ := m.Acquire(ctx, "k"); status != StatusAcquired {
		t.Fatalf("expected re-acquire after release")
	}
}

func TestManager_TTLSelfHealsCrashedHolder(t *testing.T) {
	s := store.NewMemoryStore(time.Minute)
	defer s.Close()
	m := NewManager(s, 20*time.Millisecond)
	ctx := context.Background()

	if status, _ := m.Acquire(ctx, "k"); status != StatusAcquired {
		t.Fatalf("expected acquire")
	}
	// Holder "crashes": never releases.

	if status, _ := m.Acquire(ctx, "k"); status != StatusHeld {
		t.Fatalf("expected held before TTL expiry")
	}

	time.Sleep(30 * time.Millisecond)

	if status, _ := m.Acquire(ctx, "k"); status != StatusAcquired {
		t.Fatalf("expected acquire after TTL expiry")
	}
}

func TestManager_UnavailableStorePropagates(t *testing.T) {
	m := NewManager(downStore{}, time.Minute)

	status, err := m.Acquire(context.Background(), "k")
	if status != StatusUnavailable {
		t.Fatalf("expected StatusUnavailable, got %v", status)
	}
	if err == nil {
		t.Fatalf("expected an error")
	}

	// Release against a dead store must not panic; TTL is the backstop.
	m.Release(context.Background(), "k")
}
