//go:build e2e

package e2e_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_MonitorConfig round-trips the monitor configuration and restores
// the original afterwards so later tests see the deployment's settings.
func TestE2E_MonitorConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, original := getJSON(t, client, "/v1/monitor/config")
	require.Equal(t, http.StatusOK, code, "get config: %v", original)
	assert.Contains(t, original, "enabled")
	assert.Contains(t, original, "polling_minutes")
	assert.Contains(t, original, "safety_margin_minutes")
	assert.Contains(t, original, "resume_hysteresis_polls")
	t.Cleanup(func() {
		putJSON(t, client, "/v1/monitor/config", original)
	})

	t.Run("Rejects_Unknown_Interval", func(t *testing.T) {
		code, body := putJSON(t, client, "/v1/monitor/config", map[string]any{
			"enabled":                 true,
			"polling_minutes":         7,
			"safety_margin_minutes":   5,
			"resume_hysteresis_polls": 2,
		})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Applies_Valid_Update", func(t *testing.T) {
		override := uniqueName("acct-override")
		code, body := putJSON(t, client, "/v1/monitor/config", map[string]any{
			"enabled":                 true,
			"polling_minutes":         15,
			"safety_margin_minutes":   10,
			"resume_hysteresis_polls": 3,
			"accounts":                map[string]any{override: map[string]any{"enabled": false}},
		})
		require.Equal(t, http.StatusOK, code, "body: %v", body)
		assert.EqualValues(t, 15, body["polling_minutes"])

		code, got := getJSON(t, client, "/v1/monitor/config")
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 15, got["polling_minutes"])
		assert.EqualValues(t, 10, got["safety_margin_minutes"])
		assert.EqualValues(t, 3, got["resume_hysteresis_polls"])
		accounts, _ := got["accounts"].(map[string]any)
		assert.Contains(t, accounts, override)
		dumpJSON(t, "monitor_config_updated", got)
	})
}

// TestE2E_MonitorForcePollAndStatus triggers one poll tick and reads the
// report. Accounts without resolvable credentials land in the errors list;
// the tick itself still succeeds.
func TestE2E_MonitorForcePollAndStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	// Deployments with live provider credentials fetch real usage, which can
	// take longer than the default client allows.
	pollClient := &http.Client{Timeout: 60 * time.Second}
	code, res := postJSON(t, pollClient, "/v1/monitor/poll", nil)
	require.Equal(t, http.StatusOK, code, "force poll: %v", res)
	assert.Contains(t, res, "started_at")
	assert.Contains(t, res, "polled_accounts")
	assert.Contains(t, res, "elapsed_ms")
	dumpJSON(t, "monitor_poll", res)

	code, st := getJSON(t, client, "/v1/monitor/status")
	require.Equal(t, http.StatusOK, code, "status: %v", st)
	assert.Contains(t, st, "enabled")
	assert.Contains(t, st, "polling_minutes")
	assert.Contains(t, st, "accounts")
	dumpJSON(t, "monitor_status", st)
}

func TestE2E_SchedulerAccountsEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, body := getJSON(t, client, "/v1/scheduler/accounts")
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.Contains(t, body, "accounts")
}
