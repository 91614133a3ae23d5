package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

// LoggingStore wraps a Store with per-operation structured logging.
type LoggingStore struct {
	inner Store
}

// NewLoggingStore returns a store that logs every operation with its result
// and latency.
func NewLoggingStore(inner Store) Store {
	return &LoggingStore{inner: inner}
}

func (s *LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := s.inner.Get(ctx, key)
	s.log(ctx, "store_get", key, result(ok, err), start, err)
	return value, ok, err
}

func (s *LoggingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.Set(ctx, key, value, ttl)
	s.log(ctx, "store_set", key, result(true, err), start, err)
	return err
}

func (s *LoggingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.inner.SetNX(ctx, key, value, ttl)
	s.log(ctx, "store_setnx", key, result(ok, err), start, err)
	return ok, err
}

func (s *LoggingStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	start := time.Now()
	total, err := s.inner.IncrBy(ctx, key, delta, ttl)
	s.log(ctx, "store_incrby", key, result(true, err), start, err)
	return total, err
}

func (s *LoggingStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.log(ctx, "store_delete", key, result(true, err), start, err)
	return err
}

func result(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "hit"
	default:
		return "miss"
	}
}

func (s *LoggingStore) log(ctx context.Context, op, key, res string, start time.Time, err error) {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("key", key),
		zap.String("result", res),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn(op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug(op, fields...)
}
