// Package app assembles the control plane: router, readiness checks, and
// the periodic jobs that run alongside the HTTP server.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/agent-control-plane/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
)

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Post("/v1/executions", srv.ExecuteHandler())
		wr.Post("/v1/sessions", srv.CreateSessionHandler())
		wr.Post("/v1/sessions/{id}/input", srv.SessionInputHandler())
		wr.Post("/v1/sessions/{id}/stop", srv.StopSessionHandler())
		wr.Post("/v1/sessions/{id}/pause", srv.PauseSessionHandler())
		wr.Post("/v1/sessions/{id}/resume", srv.ResumeSessionHandler())
		wr.Post("/v1/chat/{id}/messages", srv.PostChatMessageHandler())
		wr.Put("/v1/monitor/config", srv.PutMonitorConfigHandler())
		wr.Post("/v1/monitor/poll", srv.ForcePollHandler())
		wr.Post("/v1/accounts", srv.UpsertAccountHandler())
	})

	// Read-only endpoints
	r.Group(func(ro chi.Router) {
		ro.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ro.Get("/v1/executions/{id}", srv.GetExecutionHandler())
		ro.Get("/v1/sessions", srv.ListSessionsHandler())
		ro.Get("/v1/sessions/{id}", srv.GetSessionHandler())
		ro.Get("/v1/sessions/{id}/output", srv.SessionOutputHandler())
		ro.Get("/v1/monitor/config", srv.GetMonitorConfigHandler())
		ro.Get("/v1/monitor/status", srv.MonitorStatusHandler())
		ro.Get("/v1/scheduler/accounts", srv.SchedulerAccountsHandler())
		ro.Get("/v1/accounts", srv.ListAccountsHandler())
		ro.Get("/v1/accounts/{id}", srv.GetAccountHandler())
	})

	// SSE endpoints stay outside TimeoutMiddleware: http.TimeoutHandler
	// buffers the response and strips http.Flusher, which would break
	// long-lived streams.
	r.Get("/v1/sessions/{id}/stream", srv.StreamSessionHandler())
	r.Get("/v1/chat/{id}/stream", srv.StreamChatHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
