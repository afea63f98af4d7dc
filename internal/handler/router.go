// internal/handler/router.go
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/controller"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
)

// NewRouter mounts the operator API, the health check and /metrics.
func NewRouter(campaigns *controller.CampaignController, health http.Handler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(log), instrument(log))

	r.Method(http.MethodGet, "/healthz", health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaigns.CreateCampaign)
		r.Get("/", campaigns.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", campaigns.GetCampaignDetails)
			r.Get("/stats", campaigns.GetCampaignDetails)
			r.Delete("/", campaigns.Delete)
			r.Post("/activate", campaigns.Activate)
			r.Post("/pause", campaigns.Pause)
			r.Post("/preview", campaigns.PersonalizedPreview)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument logs each request and records it under its route pattern.
func instrument(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			if route != "/healthz" && route != "/metrics" {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", rec.status),
					zap.Duration("duration", elapsed),
				)
			}
		})
	}
}

func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					log.Error("handler panic", zap.Any("panic", p), zap.String("path", r.URL.Path))
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
