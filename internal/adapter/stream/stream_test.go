package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// deltaRec collects emitted deltas for assertions.
type deltaRec struct {
	mu sync.Mutex
	ds []Delta
}

func (r *deltaRec) emit(d Delta) {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
}

func (r *deltaRec) all() []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delta(nil), r.ds...)
}

func (r *deltaRec) text() string {
	var b strings.Builder
	for _, d := range r.all() {
		if d.Type == DeltaContent {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

func TestStreamChatEmptyConversation(t *testing.T) {
	g := NewGateway(Options{ProxyBaseURL: "http://127.0.0.1:1"})
	err := g.StreamChat(context.Background(), ChatRequest{Backend: domain.BackendClaude}, func(Delta) {})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamChatProbeDetectsProxyAndCachesResult(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			atomic.AddInt32(&probes, 1)
			w.WriteHeader(http.StatusOK)
		case "/v1/chat/completions":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGateway(Options{ProxyProbeURL: srv.URL, ProbeTTL: time.Minute})
	for i := 0; i < 2; i++ {
		rec := &deltaRec{}
		if err := g.StreamChat(context.Background(), chatReq(domain.BackendClaude, "hi"), rec.emit); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if rec.text() != "ok" {
			t.Fatalf("call %d: text = %q", i, rec.text())
		}
	}
	if n := atomic.LoadInt32(&probes); n != 1 {
		t.Fatalf("probe hit %d times, want 1", n)
	}
}

func TestStreamChatAccountRoutingNeedsProxy(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	g := NewGateway(Options{ProxyProbeURL: srv.URL})
	req := chatReq(domain.BackendClaude, "hi")
	req.AccountEmail = "dev@example.com"
	err := g.StreamChat(context.Background(), req, func(Delta) {})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamChatNoRouteWithoutProxy(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	g := NewGateway(Options{ProxyProbeURL: srv.URL})
	for _, backend := range []domain.Backend{domain.BackendCodex, domain.BackendGemini} {
		err := g.StreamChat(context.Background(), chatReq(backend, "hi"), func(Delta) {})
		if !errors.Is(err, domain.ErrUnavailable) {
			t.Errorf("%s: err = %v", backend, err)
		}
	}
}

func TestStreamChatOpenCodeBypassesProxy(t *testing.T) {
	var proxyHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&proxyHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	script := writeScript(t, "opencode-stub.sh", `#!/bin/sh
[ "$1" = "run" ] || { echo "bad argv: $*" >&2; exit 9; }
printf 'chunk one '
printf 'chunk two'
`)
	g := NewGateway(Options{
		ProxyBaseURL: srv.URL,
		OpenCodeCLI:  []string{script},
	})
	rec := &deltaRec{}
	if err := g.StreamChat(context.Background(), chatReq(domain.BackendOpenCode, "build it"), rec.emit); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	if n := atomic.LoadInt32(&proxyHits); n != 0 {
		t.Errorf("proxy hit %d times for opencode", n)
	}
	if rec.text() != "chunk one chunk two" {
		t.Errorf("text = %q", rec.text())
	}
	ds := rec.all()
	if last := ds[len(ds)-1]; last.Type != DeltaFinish {
		t.Errorf("last delta = %+v", last)
	}
}

func TestStreamChatExplicitProxyWinsOverProbe(t *testing.T) {
	var probes int32
	probeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probes, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer probeSrv.Close()

	srv := httptest.NewServer(sseHandler(t,
		`{"choices":[{"delta":{"content":"explicit"},"finish_reason":"stop"}]}`,
		`[DONE]`,
	))
	defer srv.Close()

	g := NewGateway(Options{ProxyBaseURL: srv.URL, ProxyProbeURL: probeSrv.URL})
	rec := &deltaRec{}
	if err := g.StreamChat(context.Background(), chatReq(domain.BackendClaude, "hi"), rec.emit); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if rec.text() != "explicit" {
		t.Errorf("text = %q", rec.text())
	}
	if n := atomic.LoadInt32(&probes); n != 0 {
		t.Errorf("probe hit %d times despite explicit proxy", n)
	}
}
