package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/email-events/internal/pkg/httputil"
	"github.com/ignite/email-events/internal/pkg/logger"
)

// RateLimiter gates inbound requests per API key. Implemented by the
// governor's token bucket.
type RateLimiter interface {
	AllowRequest(ctx context.Context, apiKey string) (allowed bool, retryAfter time.Duration, err error)
}

// SetupRoutes builds the router: standard middleware, health unlimited,
// everything under /api/v1 behind the per-key rate limit.
func SetupRoutes(h *Handlers, limiter RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(limiter))

		r.Post("/notifications", h.IngestNotification)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", h.CreateWebhook)
			r.Get("/", h.ListWebhooks)
			r.Get("/{id}", h.GetWebhook)
			r.Patch("/{id}", h.SetWebhookEnabled)
			r.Delete("/{id}", h.DeleteWebhook)
			r.Post("/{id}/test", h.TestWebhook)
		})

		r.Get("/domains/{id}/reputation", h.GetDomainReputation)
		r.Post("/emails/{id}/repair", h.RepairEmailStatus)
	})

	return r
}

// requestLogger emits one structured line per request. Field values pass
// through the logger's redaction, so recipient addresses in paths or
// queries never land in logs verbatim.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// RateLimit enforces the per-key token bucket. The key is the X-API-Key
// header, falling back to the client address so anonymous traffic is still
// bounded. Limiter errors fail closed: inbound is the path that protects
// the pipeline, so an unavailable counter store means 429, not a free pass.
func RateLimit(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.RemoteAddr
			}

			allowed, retryAfter, err := limiter.AllowRequest(r.Context(), key)
			if err != nil || !allowed {
				if retryAfter <= 0 {
					retryAfter = time.Second
				}
				httputil.TooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
