//go:build e2e

package e2e_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_ExecutionHappyPath runs a real execution through the fallback
// chain against a freshly registered account. The command is plain shell, so
// no agent CLI or provider credential is needed: a bare account yields an
// empty env overlay and the runner spawns the command as-is.
func TestE2E_ExecutionHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, body := postJSON(t, client, "/v1/accounts", map[string]any{
		"backend": "claude",
		"name":    uniqueName("e2e-exec"),
	})
	require.Equal(t, http.StatusOK, code, "upsert account: %v", body)
	accountID, _ := body["id"].(string)
	require.NotEmpty(t, accountID)

	triggerID := uniqueName("trig")
	code, body = postJSON(t, client, "/v1/executions", map[string]any{
		"trigger_id": triggerID,
		"command":    []string{"/bin/sh", "-c", "echo e2e-ok"},
		"chain": []map[string]any{
			{"backend": "claude", "account_id": accountID},
		},
	})
	require.Equal(t, http.StatusCreated, code, "execute: %v", body)
	dumpJSON(t, "execution_created", body)

	execID, _ := body["id"].(string)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, execID)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, triggerID, body["trigger_id"])
	assert.Equal(t, "claude", body["backend"])
	assert.Equal(t, accountID, body["account_id"])
	assert.Equal(t, "direct", body["exec_type"])

	// The shell exits immediately; the session exit hook flips the record.
	final := waitForStatus(t, client, "/v1/executions/"+execID, "status", "completed", 20*time.Second)
	assert.Equal(t, "completed", final["status"], "execution: %v", final)
	dumpJSON(t, "execution_completed", final)

	code, out := getJSON(t, client, "/v1/sessions/"+sessionID+"/output")
	require.Equal(t, http.StatusOK, code, "session output: %v", out)
	lines, _ := out["lines"].([]any)
	assert.True(t, containsLine(lines, "e2e-ok"), "output: %v", lines)

	code, sched := getJSON(t, client, "/v1/scheduler/accounts")
	require.Equal(t, http.StatusOK, code)
	raw, err := json.Marshal(sched)
	require.NoError(t, err)
	assert.Contains(t, string(raw), accountID, "scheduler should track the used account")
}

// TestE2E_ExecutionChainExhausted pins the only chain entry to an account id
// that does not exist, so every attempt is skipped and the chain runs dry.
func TestE2E_ExecutionChainExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, body := postJSON(t, client, "/v1/executions", map[string]any{
		"trigger_id": uniqueName("trig-exhausted"),
		"command":    []string{"/bin/sh", "-c", "echo never-runs"},
		"chain": []map[string]any{
			{"backend": "claude", "account_id": uniqueName("no-such-account")},
		},
	})
	require.Equal(t, http.StatusServiceUnavailable, code, "body: %v", body)
	assert.Equal(t, "CHAIN_EXHAUSTED", body["code"])
	dumpJSON(t, "execution_chain_exhausted", body)
}

func TestE2E_ExecutionValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	t.Run("Missing_Trigger_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/executions", map[string]any{
			"backend": "claude",
			"command": []string{"/bin/true"},
		})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Missing_Command_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/executions", map[string]any{
			"trigger_id": uniqueName("trig"),
			"backend":    "claude",
		})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Unknown_Backend_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/executions", map[string]any{
			"trigger_id": uniqueName("trig"),
			"backend":    "copilot",
			"command":    []string{"/bin/true"},
		})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("No_Chain_No_Backend_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/executions", map[string]any{
			"trigger_id": uniqueName("trig"),
			"command":    []string{"/bin/true"},
		})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Unknown_Execution_Not_Found", func(t *testing.T) {
		code, body := getJSON(t, client, "/v1/executions/"+uniqueName("no-such-exec"))
		assert.Equal(t, http.StatusNotFound, code, "body: %v", body)
		assert.Equal(t, "NOT_FOUND", body["code"])
	})
}
