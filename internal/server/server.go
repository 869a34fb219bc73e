// Package server implements the HTTP transport layer for the Aether gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/dispatch"
	"github.com/aetherlab/aether/internal/proxynode"
	"github.com/aetherlab/aether/internal/storage"
	"github.com/aetherlab/aether/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Dispatcher runs the attempt pipeline for one wire request.
type Dispatcher interface {
	Dispatch(ctx context.Context, w http.ResponseWriter, req *dispatch.Request)
	SubmitVideo(ctx context.Context, w http.ResponseWriter, req *dispatch.Request)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Dispatch       Dispatcher
	Store          storage.Store
	Nodes          *proxynode.Registry // nil disables the node API
	Metrics        *telemetry.Metrics  // nil = no request metrics
	MetricsHandler http.Handler        // nil = no /metrics route
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	AdminToken     string              // "" disables the admin API
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing wire routes (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleOpenAIChat)
		r.Post("/v1/responses", s.handleOpenAIResponses)
		r.Post("/v1/messages", s.handleClaudeMessages)
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
		r.Post("/v1/videos", s.handleVideoSubmit)
		r.Get("/v1/videos/{id}", s.handleVideoStatus)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1beta/models", s.handleListModels)
	})

	// Proxy node API (node token auth is the registry's concern)
	if deps.Nodes != nil {
		r.Route("/api/nodes", func(r chi.Router) {
			r.Post("/register", s.handleNodeRegister)
			r.Get("/", s.handleNodeList)
			r.Post("/{id}/heartbeat", s.handleNodeHeartbeat)
			r.Post("/{id}/config", s.handleNodeConfig)
			r.Get("/{id}/events", s.handleNodeEvents)
			r.Get("/{id}/tunnel", s.handleNodeTunnel)
			r.Post("/{id}/test", s.handleNodeTest)
			r.Delete("/{id}", s.handleNodeDelete)
		})
	}

	// Admin API
	if deps.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			s.mountAdminRoutes(r)
		})
	}

	return r
}

type server struct {
	deps Deps
}
