package httpserver_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/stream"
)

// fakeProxy serves an OpenAI-compatible streaming chat endpoint.
func fakeProxy(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			if fl != nil {
				fl.Flush()
			}
		}
	}))
}

// collectFrames drains the chat session's state channel until the
// concatenated frames satisfy done, or fails the test after 5s.
func collectFrames(t *testing.T, env *testEnv, sessionID string, done func(string) bool) string {
	t.Helper()
	replay, sub := env.hub.Subscribe(sessionID, 0)
	defer sub.Close()
	var b strings.Builder
	for _, f := range replay {
		b.WriteString(f)
	}
	deadline := time.After(5 * time.Second)
	for !done(b.String()) {
		select {
		case f, ok := <-sub.C:
			if !ok {
				t.Fatalf("state channel closed early, got:\n%s", b.String())
			}
			b.WriteString(f)
		case <-deadline:
			t.Fatalf("timed out collecting frames, got:\n%s", b.String())
		}
	}
	return b.String()
}

func TestPostChatMessage_StreamsReply(t *testing.T) {
	env := newTestEnv(t)
	proxy := fakeProxy(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	defer proxy.Close()
	env.srv.Gateway = stream.NewGateway(stream.Options{ProxyBaseURL: proxy.URL})

	h := route(http.MethodPost, "/v1/chat/{id}/messages", env.srv.PostChatMessageHandler())
	rw := doReq(t, h, http.MethodPost, "/v1/chat/chat-1/messages", `{"content":"hi there"}`)
	require.Equal(t, http.StatusAccepted, rw.Code, rw.Body.String())
	assert.Contains(t, rw.Body.String(), `"accepted"`)

	frames := collectFrames(t, env, "chat-1", func(s string) bool {
		return strings.Contains(s, `"status":"idle"`)
	})
	// User message echoed first, then generating, then the reply deltas.
	assert.Contains(t, frames, `"type":"message"`)
	assert.Contains(t, frames, `"content":"hi there"`)
	assert.Contains(t, frames, `"status":"generating"`)
	assert.Contains(t, frames, `"type":"content_delta"`)
	assert.Contains(t, frames, `"text":"Hel"`)
	assert.Contains(t, frames, `"text":"lo"`)
	assert.Contains(t, frames, `"type":"finish"`)
	assert.Contains(t, frames, `"finish_reason":"stop"`)
}

func TestPostChatMessage_UpstreamErrorMarksError(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom upstream"}}`))
	}))
	defer srv.Close()
	env.srv.Gateway = stream.NewGateway(stream.Options{ProxyBaseURL: srv.URL})

	h := route(http.MethodPost, "/v1/chat/{id}/messages", env.srv.PostChatMessageHandler())
	rw := doReq(t, h, http.MethodPost, "/v1/chat/chat-err/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusAccepted, rw.Code)

	frames := collectFrames(t, env, "chat-err", func(s string) bool {
		return strings.Contains(s, `"status":"error"`)
	})
	assert.Contains(t, frames, "boom upstream")
}

func TestPostChatMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	h := route(http.MethodPost, "/v1/chat/{id}/messages", env.srv.PostChatMessageHandler())

	cases := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"assistant last", `{"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`},
		{"unknown backend", `{"content":"hi","backend":"hal9000"}`},
		{"bad email", `{"content":"hi","account_email":"nope"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rw := doReq(t, h, http.MethodPost, "/v1/chat/c1/messages", c.body)
			require.Equal(t, http.StatusBadRequest, rw.Code, rw.Body.String())
			assert.Equal(t, "INVALID_ARGUMENT", errCode(t, rw))
		})
	}
}

// streamOnce runs the SSE handler with an already-canceled request context,
// so it writes the replay and returns instead of blocking on live frames.
func streamOnce(t *testing.T, env *testEnv, target string, lastEventID string) *httptest.ResponseRecorder {
	t.Helper()
	h := route(http.MethodGet, "/v1/chat/{id}/stream", env.srv.StreamChatHandler())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestStreamChat_ReplaysLog(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Init("c-replay")
	env.hub.PushDelta("c-replay", "message", map[string]any{"role": "user", "content": "one"})
	env.hub.PushDelta("c-replay", string(stream.DeltaContent), map[string]any{"text": "two"})

	rw := streamOnce(t, env, "/v1/chat/c-replay/stream", "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "text/event-stream", rw.Header().Get("Content-Type"))

	body := rw.Body.String()
	assert.Contains(t, body, "id: 1\nevent: state_delta")
	assert.Contains(t, body, `"content":"one"`)
	assert.Contains(t, body, "id: 2\n")
	assert.Contains(t, body, `"text":"two"`)
}

func TestStreamChat_ResumesFromCursor(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Init("c-cursor")
	env.hub.PushDelta("c-cursor", "message", map[string]any{"content": "old"})
	env.hub.PushDelta("c-cursor", "message", map[string]any{"content": "new"})

	rw := streamOnce(t, env, "/v1/chat/c-cursor/stream", "1")
	body := rw.Body.String()
	assert.NotContains(t, body, `"content":"old"`)
	assert.Contains(t, body, `"content":"new"`)
	assert.Contains(t, body, "id: 2\n")
}
