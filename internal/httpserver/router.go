package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/handlers"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/metrics"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, readingHandler *handlers.ReadingHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())               // panic recovery
	r.Use(middleware.Timeout(30 * time.Second)) // request timeout
	r.Use(middleware.MaxBodySize(64 * 1024))    // 64 KB max body

	// routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/readings", readingHandler.CreateReading)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
