// Package httpx is the inbound JSON API of the analysis engine.
package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewMux builds the router. Ingest routes are signed by the proctoring
// client; analysis and session routes take analyst tokens; the purge route
// needs an admin token. POST routes are rate limited per client.
func NewMux(e Env) http.Handler {
	auth := e.Auth
	if auth == nil {
		auth = NewAuthenticator("", "")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if e.Cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestLogger(e.logger().Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(e.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", HMACHeader, "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if e.Cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(e.Cfg.RequestTimeout))
	}

	r.Get("/healthz", e.Healthz)
	r.Get("/readyz", e.Readyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(e.Limiter.Middleware)

		r.Post("/telemetry/{modality}", e.Telemetry)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require())
			r.Post("/analysis/vm-detection", e.VMDetection)
			r.Post("/analysis/collaboration", e.Collaboration)
			r.Post("/analysis/run", e.RunAnalysis)
			r.Post("/analysis/risk", e.Risk)
			r.Post("/analysis/alerts", e.Alerts)

			r.Get("/sessions/{id}/summary", e.Summary)
			r.Get("/sessions/{id}/risk-history", e.RiskHistory)
			r.Get("/sessions/{id}/detections", e.Detections)
			r.Get("/sessions/{id}/alerts", e.SessionAlerts)
			r.Get("/devices/{id}/reputation", e.DeviceReputation)
		})

		r.With(auth.Require(RoleAdmin)).Post("/admin/retention/purge", e.Purge)
	})
	return r
}
