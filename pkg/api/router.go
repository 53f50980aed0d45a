package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/threadline/threadline/internal/logger"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - liveness probe
//   - GET /health/ready - readiness probe
//   - GET /health/stores - per-store health
//   - GET /v1/threads - thread titles
//   - GET /v1/threads/{title} - one thread's records
//   - GET /v1/sessions - live session count
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack; order matters.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handler{deps: deps}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.liveness)
		r.Get("/ready", h.readiness)
		r.Get("/stores", h.stores)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/threads", h.listThreads)
		r.Get("/threads/{title}", h.readThread)
		r.Get("/sessions", h.activeUsers)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs each request through the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
