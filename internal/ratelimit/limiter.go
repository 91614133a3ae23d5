// Package ratelimit gates cache-miss traffic per identity across three
// tiers: a cooldown (minimum spacing between requests), a short burst window
// and a longer sustained window. Counters live in the shared store so the
// limits hold across horizontally scaled workers.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
)

// Tier names, in evaluation order.
const (
	TierCooldown  = "cooldown"
	TierBurst     = "burst"
	TierSustained = "sustained"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool
	// Tier is the tier that denied the request (empty when allowed).
	Tier string
	// RetryAfter suggests how long the client should wait before retrying.
	RetryAfter time.Duration
	// ResetAt is when the denying window rolls over.
	ResetAt time.Time
}

var allowed = Decision{Allowed: true}

type Config struct {
	Cooldown        time.Duration // minimum spacing between requests
	BurstLimit      int64         // requests per BurstWindow
	BurstWindow     time.Duration
	SustainedLimit  int64 // requests per SustainedWindow
	SustainedWindow time.Duration
}

// Limiter evaluates the three tiers against store-backed counters.
type Limiter struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

func NewLimiter(s store.Store, cfg Config) *Limiter {
	return &Limiter{store: s, cfg: cfg, now: time.Now}
}

// Check runs cooldown, burst, then sustained; the first denial wins. Only
// called on a cache miss; cache hits never reach the limiter.
func (l *Limiter) Check(ctx context.Context, identity string) (Decision, error) {
	d, err := l.CheckCooldown(ctx, identity)
	if err != nil || !d.Allowed {
		return d, err
	}
	d, err = l.CheckBurst(ctx, identity)
	if err != nil || !d.Allowed {
		return d, err
	}
	return l.CheckSustained(ctx, identity)
}

// CheckCooldown enforces minimum spacing via a conditional-set timestamp.
// If the stamp already exists the previous request was too recent.
func (l *Limiter) CheckCooldown(ctx context.Context, identity string) (Decision, error) {
	if l.cfg.Cooldown <= 0 {
		return allowed, nil
	}

	now := l.now()
	key := "rl:cool:" + identity
	stamp := []byte(strconv.FormatInt(now.UnixMilli(), 10))

	ok, err := l.store.SetNX(ctx, key, stamp, l.cfg.Cooldown)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return allowed, nil
	}

	retryAfter := l.cfg.Cooldown
	if prev, found, err := l.store.Get(ctx, key); err == nil && found {
		if ms, perr := strconv.ParseInt(string(prev), 10, 64); perr == nil {
			elapsed := now.Sub(time.UnixMilli(ms))
			if remaining := l.cfg.Cooldown - elapsed; remaining > 0 && remaining < retryAfter {
				retryAfter = remaining
			}
		}
	}

	return Decision{
		Tier:       TierCooldown,
		RetryAfter: retryAfter,
		ResetAt:    now.Add(retryAfter),
	}, nil
}

// CheckBurst enforces the short fixed window against automated hammering.
func (l *Limiter) CheckBurst(ctx context.Context, identity string) (Decision, error) {
	return l.checkWindow(ctx, TierBurst, "rl:burst", identity, l.cfg.BurstLimit, l.cfg.BurstWindow)
}

// CheckSustained enforces the longer window against steady-state abuse.
func (l *Limiter) CheckSustained(ctx context.Context, identity string) (Decision, error) {
	return l.checkWindow(ctx, TierSustained, "rl:sus", identity, l.cfg.SustainedLimit, l.cfg.SustainedWindow)
}

// checkWindow increments a window-aligned counter; the key embeds the window
// start so rollover is implicit via TTL expiry. Denied requests still count,
// which is the usual fixed-window behavior.
func (l *Limiter) checkWindow(ctx context.Context, tier, prefix, identity string, limit int64, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return allowed, nil
	}

	now := l.now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("%s:%s:%d", prefix, identity, windowStart.Unix())

	// TTL of two windows keeps the counter alive past the boundary without
	// accumulating stale keys.
	total, err := l.store.IncrBy(ctx, key, 1, 2*window)
	if err != nil {
		return Decision{}, err
	}
	if total <= limit {
		return allowed, nil
	}

	resetAt := windowStart.Add(window)
	retryAfter := resetAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return Decision{
		Tier:       tier,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}, nil
}
