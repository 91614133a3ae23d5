package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/coordinator"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/reading"
	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

// ReadingHandler holds dependencies for the /v1/readings endpoint.
type ReadingHandler struct {
	Coordinator *coordinator.Coordinator
}

func NewReadingHandler(c *coordinator.Coordinator) *ReadingHandler {
	return &ReadingHandler{Coordinator: c}
}

type readingResponse struct {
	Content   json.RawMessage `json:"content"`
	FromCache bool            `json:"fromCache"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// unavailableBody is the fixed payload for every 503 outcome: budget
// exhaustion, store outage and lock-wait exhaustion all look identical to
// clients so no infrastructure state leaks.
var unavailableBody = errorResponse{
	Error:   "temporarily_unavailable",
	Message: "The service is temporarily unavailable. Please try again shortly.",
}

// CreateReading handles POST /v1/readings.
func (h *ReadingHandler) CreateReading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var raw reading.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		logger.Warn("invalid request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "request body is not valid JSON",
		})
		return
	}

	norm, err := reading.Normalize(raw)
	if err != nil {
		logger.Warn("request rejected by normalizer", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	identity := clientIdentity(r)
	idemToken := r.Header.Get("X-Idempotency-Key")

	result, err := h.Coordinator.Fetch(ctx, norm, identity, idemToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	logger.Info("reading request completed",
		zap.Bool("from_cache", result.FromCache),
		zap.Duration("total_latency", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, readingResponse{
		Content:   result.Content,
		FromCache: result.FromCache,
	})
}

// writeError maps the coordinator error taxonomy onto the HTTP contract.
// Full context is already logged upstream; client messages stay generic.
func (h *ReadingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())

	var capErr *coordinator.CapacityError
	switch {
	case errors.As(err, &capErr):
		seconds := int(capErr.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			Message:           "Too many requests. Please slow down.",
			RetryAfterSeconds: seconds,
		})

	case errors.Is(err, coordinator.ErrBudgetExhausted),
		errors.Is(err, coordinator.ErrStoreUnavailable),
		errors.Is(err, coordinator.ErrBusy):
		writeJSON(w, http.StatusServiceUnavailable, unavailableBody)

	case errors.Is(err, context.Canceled):
		// Caller is gone; nothing useful to write.

	default:
		logger.Error("reading request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: "Something went wrong generating your reading.",
		})
	}
}

// clientIdentity scopes the rate limiter: authenticated user if present,
// otherwise the client IP.
func clientIdentity(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// writeJSON sends JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
