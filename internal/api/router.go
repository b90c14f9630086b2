package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/agents"
	"github.com/fleetforge-io/fleetforge/internal/broker"
	"github.com/fleetforge-io/fleetforge/internal/metrics"
	"github.com/fleetforge-io/fleetforge/internal/store"
	"github.com/fleetforge-io/fleetforge/internal/tunnel"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in cmd/server after all components are initialized and passed
// as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Store    *store.Store
	Broker   *broker.Broker
	Registry *agents.Registry
	Session  *tunnel.Session
	Metrics  *metrics.Metrics
	Auth     Auth
	Logger   *zap.Logger

	// EnableSwagger mounts the embedded OpenAPI document.
	EnableSwagger bool
}

// NewRouter builds the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Store, cfg.Broker, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Broker, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Session, cfg.Logger)

	// Unauthenticated surface: liveness and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	if cfg.EnableSwagger {
		r.Get("/swagger/openapi.json", serveOpenAPI)
	}

	r.Route("/v1", func(r chi.Router) {

		// --- Admin scope ---
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireAdmin)

			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)
			r.Get("/jobs/{id}/events", jobHandler.Events)

			r.Get("/sessions/events", sessionHandler.Events)
			r.Get("/auth/challenges/events", sessionHandler.ChallengeEvents)
			r.Post("/auth/challenges/{accountName}/code", sessionHandler.SubmitCode)

			r.Get("/agents", agentHandler.List)
		})

		// --- Admin or agent scope ---
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireAdminOrAgent)

			r.Post("/sessions/events", sessionHandler.PublishEvent)
		})

		// --- Agent scope ---
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireAgent)

			r.Get("/agent/ws", agentHandler.Tunnel)
		})
	})

	return r
}
