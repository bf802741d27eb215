package api

import (
	"net/http"

	"code_exec_service/internal/api/handler"
	"code_exec_service/internal/api/middleware"
	"code_exec_service/internal/monitor"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	MaxRequestBody int64
	MetricsEnabled bool
	MetricsPath    string
}

func NewRouter(
	cfg RouterConfig,
	executionHandler *handler.ExecutionHandler,
	webhookHandler *handler.WebhookHandler,
	authHandler *handler.AuthHandler,
	healthHandler *handler.HealthHandler,
	metrics *monitor.Metrics,
) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chiMiddleware.Recoverer)
	if metrics != nil {
		r.Use(middleware.Metrics(metrics))
	}
	// Request timeouts are applied per route group so WebSocket streams are not cut off.

	r.Get("/", handler.Root)
	r.Route("/health", healthHandler.RegisterRoutes)

	if cfg.MetricsEnabled && metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// API v1 Routes
	r.Route("/api/v1", func(v1 chi.Router) {
		if cfg.MaxRequestBody > 0 {
			v1.Use(middleware.MaxBody(cfg.MaxRequestBody))
		}

		v1.Route("/auth", authHandler.RegisterRoutes)

		v1.Route("/executions", func(r chi.Router) {
			executionHandler.RegisterRoutes(r)
			// Compiler-facing callback, authenticated by the path token.
			webhookHandler.RegisterRoutes(r)
		})
	})

	return r
}
