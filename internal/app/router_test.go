package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpserver "github.com/fairyhunter13/agent-control-plane/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-control-plane/internal/app"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
	"github.com/fairyhunter13/agent-control-plane/internal/service/monitor"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
	"github.com/fairyhunter13/agent-control-plane/internal/service/statechan"
)

// newSmokeServer wires just enough of the server to exercise routing and
// middleware. Handlers needing repositories are only hit with requests that
// fail validation first.
func newSmokeServer(cfg config.Config) *httpserver.Server {
	return httpserver.NewServer(cfg,
		nil,
		session.NewManager(nil, nil, session.Options{}),
		statechan.NewHub(0, 0),
		nil,
		monitor.NewService(nil, nil, nil, nil, nil),
		nil,
		nil,
		nil,
		func(context.Context) error { return nil },
	)
}

func TestBuildRouter_HealthzAndReadyz(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 100}
	h := app.BuildRouter(cfg, newSmokeServer(cfg))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz: want 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildRouter_RoutesRegistered(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 100}
	h := app.BuildRouter(cfg, newSmokeServer(cfg))

	// Invalid bodies stop at validation, so these prove routing without
	// touching repositories. 404/405 would mean a missing route.
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/v1/executions", http.StatusBadRequest},
		{http.MethodPost, "/v1/sessions", http.StatusBadRequest},
		{http.MethodPost, "/v1/accounts", http.StatusBadRequest},
		{http.MethodPut, "/v1/monitor/config", http.StatusBadRequest},
		{http.MethodGet, "/v1/sessions", http.StatusOK},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(c.method, c.path, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("%s %s: want %d, got %d: %s", c.method, c.path, c.want, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: want 404, got %d", rec.Code)
	}
}

func TestBuildRouter_SecurityHeadersOnEveryResponse(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 100}
	h := app.BuildRouter(cfg, newSmokeServer(cfg))

	for _, path := range []string{"/healthz", "/v1/nope"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("%s: X-Content-Type-Options = %q", path, got)
		}
		if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
			t.Fatalf("%s: X-Frame-Options = %q", path, got)
		}
	}
}

func TestBuildRouter_RateLimitsMutatingRoutes(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 1}
	h := app.BuildRouter(cfg, newSmokeServer(cfg))

	post := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := post(); got != http.StatusBadRequest {
		t.Fatalf("first request: want 400, got %d", got)
	}
	if got := post(); got != http.StatusTooManyRequests {
		t.Fatalf("second request: want 429, got %d", got)
	}

	// Read-only routes are not subject to the mutating limiter.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("read-only route rate limited: got %d", rec.Code)
	}
}

func TestBuildRouter_StreamRoutesStayFlushable(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 100, SSEHeartbeat: time.Minute}
	h := app.BuildRouter(cfg, newSmokeServer(cfg))

	// A canceled context makes the stream return right after replay. Getting
	// an event-stream response back proves no timeout wrapper swallowed the
	// Flusher on this route.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/smoke/stream", nil).WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("chat stream: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("chat stream content type: %q", ct)
	}
}
