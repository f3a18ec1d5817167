//go:build e2e

package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_HealthAndReadiness checks the probe endpoints a deployment watches.
func TestE2E_HealthAndReadiness(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	resp, err := client.Get(baseURL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, body := getJSON(t, client, "/readyz")
	dumpJSON(t, "smoke_readyz.json", body)
	require.Equal(t, http.StatusOK, st)
	checks, ok := body["checks"].([]any)
	require.True(t, ok, "readyz should report checks: %#v", body)
	require.NotEmpty(t, checks)
	for _, c := range checks {
		m, ok := c.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, m["ok"], "check %v should pass", m["name"])
	}
}

// TestE2E_Metrics checks the Prometheus exposition includes the control
// plane's own series next to the runtime defaults.
func TestE2E_Metrics(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	resp, err := client.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "pty_sessions_active")
	assert.Contains(t, body, "state_channel_subscribers")
}

// TestE2E_SecurityHeaders verifies every response carries the hardening
// headers, including errors.
func TestE2E_SecurityHeaders(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	endpoints := []string{"/healthz", "/metrics", "/v1/sessions", "/no-such-path"}
	for _, ep := range endpoints {
		t.Run(strings.ReplaceAll(ep, "/", "_"), func(t *testing.T) {
			resp, err := client.Get(baseURL + ep)
			require.NoError(t, err)
			defer resp.Body.Close()

			h := resp.Header
			assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
			assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
		})
	}
}

// TestE2E_ErrorHandling checks error responses stay structured and do not
// leak internals.
func TestE2E_ErrorHandling(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	t.Run("Unknown_Route", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/nonexistent")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		body := string(raw)
		assert.NotContains(t, body, "goroutine")
		assert.NotContains(t, body, "panic")
	})

	t.Run("Method_Not_Allowed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/sessions", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("Invalid_JSON_Body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/sessions", strings.NewReader("{not json"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
		assert.NotEmpty(t, body["error"])
	})
}

// TestE2E_RateLimiting hammers a mutating route until the per-IP limiter
// answers 429. Tolerates deployments with generous limits.
func TestE2E_RateLimiting(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	var rateLimitHit bool
	for i := 0; i < 150; i++ {
		// Invalid body keeps the handler from creating rows; the limiter
		// counts the request either way.
		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/accounts", strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimitHit = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !rateLimitHit {
		t.Log("rate limit not reached in 150 requests; deployment may allow more per minute")
	} else {
		// Give the window room to move on so later suites are not throttled.
		time.Sleep(2 * time.Second)
	}
}

// TestE2E_RequestIDPropagation checks ids are minted and client ids echoed.
func TestE2E_RequestIDPropagation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	resp, err := client.Get(baseURL + "/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	want := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	req, err := http.NewRequest(http.MethodGet, baseURL+"/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", want)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, want, resp.Header.Get("X-Request-Id"))
}
