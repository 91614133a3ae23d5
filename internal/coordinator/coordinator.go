// Package coordinator orchestrates the generation protocol: idempotency and
// content cache lookups, rate limiting, the budget guard, distributed
// locking, the generation callback and persistence. It guarantees at most
// one in-flight generation per cache key across all workers; everything
// crosses process boundaries through the shared store.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/archive"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/budget"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/lock"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/metrics"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/ratelimit"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/reading"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

// Generator is the external generation callback. Expensive and
// non-deterministic; the coordinator exists to call it as rarely as possible.
type Generator interface {
	Generate(ctx context.Context, norm reading.NormalizedRequest) (content []byte, costUnits int64, err error)
}

type Config struct {
	LogicVersion        string        // bumping it invalidates every key
	ContentTTL          time.Duration // cache lifetime of generated readings
	IdempotencyTTL      time.Duration // short TTL smoothing duplicate submissions
	GenerationTimeout   time.Duration // overall bound on the generation callback
	WaitPollInterval    time.Duration // delay between waiter polls
	WaitPollMaxAttempts int           // bounded; exhaustion fails closed
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c Config) WithDefaults() Config {
	cfg := c
	if cfg.LogicVersion == "" {
		cfg.LogicVersion = "v1"
	}
	if cfg.ContentTTL <= 0 {
		cfg.ContentTTL = 24 * time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 5 * time.Minute
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 500 * time.Millisecond
	}
	if cfg.WaitPollMaxAttempts <= 0 {
		cfg.WaitPollMaxAttempts = 10
	}
	return cfg
}

// Coordinator wires the guards around the generation callback.
type Coordinator struct {
	store   store.Store
	locks   *lock.Manager
	limiter *ratelimit.Limiter
	budget  *budget.Guard
	gen     Generator
	archive archive.Archive // nil when no durable store is configured
	cfg     Config
}

func New(
	s store.Store,
	locks *lock.Manager,
	limiter *ratelimit.Limiter,
	guard *budget.Guard,
	gen Generator,
	arc archive.Archive,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		store:   s,
		locks:   locks,
		limiter: limiter,
		budget:  guard,
		gen:     gen,
		archive: arc,
		cfg:     cfg.WithDefaults(),
	}
}

// Result is what a fetch produces. FromCache is true whenever the content
// was not generated by this request.
type Result struct {
	Content   json.RawMessage
	FromCache bool
}

func idemKey(token string) string {
	return "idem:" + token
}

// Fetch runs the full protocol for one normalized request. identity scopes
// the rate limiter (user ID or client IP); idemToken is the optional
// client-supplied idempotency token.
func (c *Coordinator) Fetch(ctx context.Context, norm reading.NormalizedRequest, identity, idemToken string) (Result, error) {
	key := reading.Key(norm, c.cfg.LogicVersion)
	ctx = logging.WithFields(ctx,
		zap.String("cache_key", key),
		zap.String("identity", identity),
	)
	logger := logging.L(ctx)

	// Idempotency check: a duplicate submission of the identical request
	// (double-click, client retry) is answered without touching any quota.
	if idemToken != "" {
		val, found, err := c.store.Get(ctx, idemKey(idemToken))
		if err != nil {
			return Result{}, failClosed("idempotency_check", err)
		}
		if found {
			metrics.CacheHitsTotal.WithLabelValues("idempotency").Inc()
			logger.Info("reading served", zap.String("source", "idempotency"))
			return Result{Content: val, FromCache: true}, nil
		}
	}

	// Content cache check: keyed by the logical question, so any client
	// asking it benefits. Hits are free: no rate limit, no budget.
	val, found, err := c.store.Get(ctx, key)
	if err != nil {
		return Result{}, failClosed("content_check", err)
	}
	if found {
		metrics.CacheHitsTotal.WithLabelValues("content").Inc()
		c.writeIdempotency(ctx, idemToken, val)
		logger.Info("reading served", zap.String("source", "cache"))
		return Result{Content: val, FromCache: true}, nil
	}

	// Generate-once classes may have outlived their cache entry; the
	// archived record is still authoritative and must not be regenerated.
	if content, ok := c.archiveLookup(ctx, norm, key); ok {
		metrics.CacheHitsTotal.WithLabelValues("archive").Inc()
		c.backfillCache(ctx, key, content)
		c.writeIdempotency(ctx, idemToken, content)
		logger.Info("reading served", zap.String("source", "archive"))
		return Result{Content: content, FromCache: true}, nil
	}

	// Miss path from here on. Rate limit first: cheapest guard, and the
	// only caller-specific one.
	decision, err := c.limiter.Check(ctx, identity)
	if err != nil {
		return Result{}, failClosed("rate_limit", err)
	}
	if !decision.Allowed {
		metrics.RateLimitDeniedTotal.WithLabelValues(decision.Tier).Inc()
		logger.Info("rate limited",
			zap.String("tier", decision.Tier),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return Result{}, &CapacityError{Tier: decision.Tier, RetryAfter: decision.RetryAfter}
	}

	// Budget guard: throttles the whole system, not a single caller.
	withinBudget, err := c.budget.Check(ctx)
	if err != nil {
		return Result{}, failClosed("budget_check", err)
	}
	if !withinBudget {
		metrics.BudgetDeniedTotal.Inc()
		logger.Warn("budget exhausted")
		return Result{}, ErrBudgetExhausted
	}

	// Lock attempt: the conditional-set decides who generates.
	status, err := c.locks.Acquire(ctx, key)
	switch status {
	case lock.StatusAcquired:
		return c.generate(ctx, norm, key, idemToken)
	case lock.StatusHeld:
		metrics.LockContentionTotal.Inc()
		return c.waitForHolder(ctx, norm, key, idemToken)
	default:
		return Result{}, failClosed("lock_attempt", err)
	}
}

// generate runs the callback under the acquired lock, persists the result
// and releases the lock on every exit path (TTL expiry is the backstop if
// the release itself fails).
func (c *Coordinator) generate(ctx context.Context, norm reading.NormalizedRequest, key, idemToken string) (Result, error) {
	defer c.locks.Release(context.WithoutCancel(ctx), key)

	logger := logging.L(ctx)

	// The generation detaches from caller cancellation: once started, its
	// cost is committed, so it runs to completion and populates the cache
	// for any other waiter even if this caller disconnects.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	content, costUnits, err := c.gen.Generate(genCtx, norm)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		logger.Error("generation failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return Result{}, &GenerationError{Err: err}
	}
	metrics.GenerationsTotal.WithLabelValues("ok").Inc()
	logger.Info("generation completed",
		zap.Int64("cost_units", costUnits),
		zap.Duration("duration", time.Since(start)),
	)

	c.budget.Spend(ctx, costUnits)

	// Persistence also survives caller disconnects.
	persistCtx := context.WithoutCancel(ctx)

	if norm.Type.Durable() && c.archive != nil {
		switch err := c.archive.Insert(persistCtx, key, content); {
		case errors.Is(err, archive.ErrConflict):
			// Another worker completed the same work first; its record is
			// the canonical one.
			if existing, found, gerr := c.archive.Get(persistCtx, key); gerr == nil && found {
				content = existing
				logger.Info("archive conflict resolved by re-read")
			}
		case err != nil:
			logger.Error("archive insert failed", zap.Error(err))
		}
	}

	if err := c.store.Set(persistCtx, key, content, c.cfg.ContentTTL); err != nil {
		// The reading is already paid for and in hand; a failed cache write
		// costs a future regeneration, not this response.
		logger.Warn("content cache write failed", zap.Error(err))
	}
	c.writeIdempotency(ctx, idemToken, content)

	return Result{Content: content, FromCache: false}, nil
}

// waitForHolder polls for the lock holder's result. Bounded: exhausting the
// attempts returns ErrBusy rather than falling through to generate, which
// preserves at-most-one-generation even when the holder is slow.
func (c *Coordinator) waitForHolder(ctx context.Context, norm reading.NormalizedRequest, key, idemToken string) (Result, error) {
	logger := logging.L(ctx)
	timer := time.NewTimer(c.cfg.WaitPollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.cfg.WaitPollMaxAttempts; attempt++ {
		// Caller cancellation only short-circuits this caller's wait; the
		// holder's generation is unaffected.
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
		timer.Reset(c.cfg.WaitPollInterval)

		val, found, err := c.store.Get(ctx, key)
		if err != nil {
			return Result{}, failClosed("wait_poll", err)
		}
		if found {
			metrics.CacheHitsTotal.WithLabelValues("content").Inc()
			c.writeIdempotency(ctx, idemToken, val)
			logger.Info("reading served",
				zap.String("source", "wait_poll"),
				zap.Int("attempts", attempt),
			)
			return Result{Content: val, FromCache: true}, nil
		}

		if content, ok := c.archiveLookup(ctx, norm, key); ok {
			metrics.CacheHitsTotal.WithLabelValues("archive").Inc()
			c.backfillCache(ctx, key, content)
			c.writeIdempotency(ctx, idemToken, content)
			return Result{Content: content, FromCache: true}, nil
		}
	}

	metrics.WaitExhaustedTotal.Inc()
	logger.Warn("wait poll exhausted", zap.Int("attempts", c.cfg.WaitPollMaxAttempts))
	return Result{}, ErrBusy
}

// archiveLookup checks the durable record for generate-once classes. An
// archive read failure is treated as a miss: the unique insert constraint
// still guarantees a single persisted record if we go on to generate.
func (c *Coordinator) archiveLookup(ctx context.Context, norm reading.NormalizedRequest, key string) ([]byte, bool) {
	if !norm.Type.Durable() || c.archive == nil {
		return nil, false
	}
	content, found, err := c.archive.Get(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("archive lookup failed", zap.Error(err))
		return nil, false
	}
	return content, found
}

// backfillCache rewrites an archive hit into the cache so the next reader
// skips the durable store. Best-effort, off the response path.
func (c *Coordinator) backfillCache(ctx context.Context, key string, content []byte) {
	detached := context.WithoutCancel(ctx)
	ttl := c.cfg.ContentTTL
	go func() {
		if err := c.store.Set(detached, key, content, ttl); err != nil {
			logging.L(detached).Warn("cache backfill failed", zap.Error(err))
		}
	}()
}

// writeIdempotency records the response under the client's token with a
// short TTL to absorb duplicate submission bursts. Best-effort.
func (c *Coordinator) writeIdempotency(ctx context.Context, token string, content []byte) {
	if token == "" {
		return
	}
	detached := context.WithoutCancel(ctx)
	ttl := c.cfg.IdempotencyTTL
	go func() {
		if err := c.store.Set(detached, idemKey(token), content, ttl); err != nil {
			logging.L(detached).Warn("idempotency write failed", zap.Error(err))
		}
	}()
}

// failClosed wraps any store failure on the miss path. Without a reachable
// store there is no lock protection, so no expensive work may proceed.
func failClosed(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, stage, err)
}
