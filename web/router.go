package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig toggles optional endpoint groups.
type RouterConfig struct {
	Metrics bool
}

// Router assembles the HTTP surface: enforcement endpoints for sidecar
// callers, the admin API, health, and metrics.
func (h *Handler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.handleHealth)
	if cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/v1/quota", func(r chi.Router) {
		r.Post("/check", h.handleCheck)
		r.Post("/release", h.handleRelease)
		r.Post("/complete", h.handleComplete)
		r.Get("/", h.handleInspect)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		if h.plans != nil {
			r.Get("/plans", h.handleListPlans)
			r.Post("/plans", h.handleCreatePlan)
			r.Get("/plans/{id}", h.handleGetPlan)
			r.Put("/plans/{id}", h.handleUpdatePlan)
			r.Delete("/plans/{id}", h.handleDeletePlan)
		}
		if h.subs != nil {
			r.Get("/subscriptions", h.handleListSubscriptions)
			r.Post("/subscriptions", h.handleCreateSubscription)
			r.Get("/subscriptions/{id}", h.handleGetSubscription)
		}
	})

	return r
}

// requestLogger logs each request with zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
