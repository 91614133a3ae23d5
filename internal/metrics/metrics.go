package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: cache hits by tier (idempotency | content | archive).
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reading_cache_hits_total",
			Help: "Total number of reading cache hits by tier.",
		},
		[]string{"tier"},
	)

	// Counter: generation callback invocations by outcome (ok | error).
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reading_generations_total",
			Help: "Total number of upstream generation calls by outcome.",
		},
		[]string{"outcome"},
	)

	// Counter: rate limit denials by tier (cooldown | burst | sustained).
	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reading_rate_limit_denied_total",
			Help: "Total number of requests denied by a rate limiter tier.",
		},
		[]string{"tier"},
	)

	// Counter: requests denied by the daily budget cap.
	BudgetDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reading_budget_denied_total",
			Help: "Total number of requests denied by the daily budget guard.",
		},
	)

	// Counter: lock attempts that found the key already held.
	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reading_lock_contention_total",
			Help: "Total number of lock attempts that lost to another holder.",
		},
	)

	// Counter: waiters that exhausted the bounded poll without a result.
	WaitExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reading_wait_exhausted_total",
			Help: "Total number of waiters that gave up before content appeared.",
		},
	)

	// Histogram: service HTTP latency in seconds.
	RequestLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reading_request_latency_seconds",
			Help:    "HTTP request latency for the reading service in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheHitsTotal,
		GenerationsTotal,
		RateLimitDeniedTotal,
		BudgetDeniedTotal,
		LockContentionTotal,
		WaitExhaustedTotal,
		RequestLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		RequestLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
