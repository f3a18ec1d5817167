//go:build e2e

// Package e2e_test exercises a running control plane over HTTP. Tests target
// the instance named by E2E_BASE_URL (default http://localhost:8080) and use
// only plain shell commands for sessions, so no agent CLI or provider
// credential is required.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	httpTimeout     = 15 * time.Second
	appReadyTimeout = 60 * time.Second
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

var baseURL = getenv("E2E_BASE_URL", "http://localhost:8080")

// waitForAppReady polls /healthz until the app answers or the deadline hits.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Skipf("app at %s not ready within %s; skipping", baseURL, timeout)
}

// doJSON sends a JSON request and decodes the JSON response. Retries briefly
// on 429 so suites survive the mutating-route rate limit.
func doJSON(t *testing.T, client *http.Client, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	var lastStatus int
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
		require.NoError(t, err)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			time.Sleep(1 * time.Second)
			continue
		}
		defer resp.Body.Close()
		var out map[string]any
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &out)
		}
		return resp.StatusCode, out
	}
	t.Fatalf("%s %s still rate limited after retries (last status %d)", method, path, lastStatus)
	return lastStatus, nil
}

func getJSON(t *testing.T, client *http.Client, path string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, http.MethodGet, path, nil)
}

func postJSON(t *testing.T, client *http.Client, path string, payload any) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, http.MethodPost, path, payload)
}

func putJSON(t *testing.T, client *http.Client, path string, payload any) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, http.MethodPut, path, payload)
}

// readStream opens an SSE endpoint and returns whatever arrives within dur.
// The server keeps streams open indefinitely, so the read is deadline-bound.
func readStream(t *testing.T, path, lastEventID string, dur time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, resp.Body) // ends when the context deadline fires
	return buf.String()
}

// dumpJSON writes an indented response snapshot into E2E_DUMP_DIR for
// post-run inspection. Failures to write are not test failures.
func dumpJSON(t *testing.T, name string, v any) {
	t.Helper()
	dir := getenv("E2E_DUMP_DIR", "dumps")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Logf("dump dir: %v", err)
		return
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Logf("dump marshal: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
		t.Logf("dump write: %v", err)
	}
}

// waitForStatus polls an endpoint until field equals want or the timeout
// expires, returning the last body either way.
func waitForStatus(t *testing.T, client *http.Client, path, field, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		st, body := getJSON(t, client, path)
		if st == http.StatusOK {
			last = body
			if got, _ := body[field].(string); got == want {
				return body
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return last
}

// uniqueName suffixes a prefix with nanoseconds so reruns never collide.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
