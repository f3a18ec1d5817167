//go:build e2e

package e2e_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_SessionLifecycle drives one session from creation to a clean exit.
// The shell command echoes every input line with a marker and exits zero on
// "quit", so the terminal status is deterministic without any agent CLI.
func TestE2E_SessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	command := []string{"/bin/sh", "-c", `while read line; do echo "got: $line"; [ "$line" = quit ] && exit 0; done`}

	var sessionID string
	t.Run("Create_Session", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/sessions", map[string]any{
			"command":              command,
			"idle_timeout_seconds": 300,
		})
		require.Equal(t, http.StatusCreated, code, "create session: %v", body)
		sessionID, _ = body["session_id"].(string)
		require.NotEmpty(t, sessionID)
		dumpJSON(t, "session_created", body)
	})
	require.NotEmpty(t, sessionID, "session creation failed; cannot continue")

	t.Run("Session_Is_Active", func(t *testing.T) {
		body := waitForStatus(t, client, "/v1/sessions/"+sessionID, "status", "active", 10*time.Second)
		assert.Equal(t, "active", body["status"], "session: %v", body)
	})

	t.Run("Send_Input_And_Read_Output", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/sessions/"+sessionID+"/input", map[string]any{"text": "hello-e2e\n"})
		require.Equal(t, http.StatusOK, code, "send input: %v", body)
		assert.Equal(t, true, body["ok"])

		deadline := time.Now().Add(15 * time.Second)
		var lines []any
		for time.Now().Before(deadline) {
			code, out := getJSON(t, client, "/v1/sessions/"+sessionID+"/output")
			require.Equal(t, http.StatusOK, code, "read output: %v", out)
			lines, _ = out["lines"].([]any)
			if containsLine(lines, "got: hello-e2e") {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
		require.True(t, containsLine(lines, "got: hello-e2e"), "echoed marker never appeared: %v", lines)
	})

	t.Run("Stream_Replays_Output", func(t *testing.T) {
		stream := readStream(t, "/v1/sessions/"+sessionID+"/stream", "", 2*time.Second)
		assert.Contains(t, stream, "event: output")
		assert.Contains(t, stream, "hello-e2e")
	})

	t.Run("List_Contains_Session", func(t *testing.T) {
		code, body := getJSON(t, client, "/v1/sessions")
		require.Equal(t, http.StatusOK, code)
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), sessionID)
	})

	t.Run("Quit_Completes_Session", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/sessions/"+sessionID+"/input", map[string]any{"text": "quit\n"})
		require.Equal(t, http.StatusOK, code, "send quit: %v", body)

		final := waitForStatus(t, client, "/v1/sessions/"+sessionID, "status", "completed", 15*time.Second)
		assert.Equal(t, "completed", final["status"], "session: %v", final)
		dumpJSON(t, "session_completed", final)
	})

	t.Run("Stream_After_Completion", func(t *testing.T) {
		stream := readStream(t, "/v1/sessions/"+sessionID+"/stream", "", 2*time.Second)
		assert.Contains(t, stream, "event: complete")
	})
}

// TestE2E_SessionStop verifies a user-requested stop on a process that never
// exits on its own. Stop waits for the exit handler, so the status is
// terminal as soon as the call returns.
func TestE2E_SessionStop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, body := postJSON(t, client, "/v1/sessions", map[string]any{
		"command": []string{"/bin/cat"},
	})
	require.Equal(t, http.StatusCreated, code, "create session: %v", body)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)

	code, body = postJSON(t, client, "/v1/sessions/"+id+"/stop", map[string]any{"reason": "user_requested"})
	require.Equal(t, http.StatusOK, code, "stop session: %v", body)
	assert.Equal(t, true, body["ok"])

	code, body = getJSON(t, client, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, code)
	status, _ := body["status"].(string)
	assert.Contains(t, []string{"completed", "failed"}, status, "expected terminal status, got %v", body)

	// A second stop finds nothing left to terminate.
	code, _ = postJSON(t, client, "/v1/sessions/"+id+"/stop", map[string]any{})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestE2E_SessionPauseResume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	code, body := postJSON(t, client, "/v1/sessions", map[string]any{
		"command": []string{"/bin/sh", "-c", "i=0; while true; do i=$((i+1)); echo tick-$i; sleep 1; done"},
	})
	require.Equal(t, http.StatusCreated, code, "create session: %v", body)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	t.Cleanup(func() {
		postJSON(t, client, "/v1/sessions/"+id+"/stop", map[string]any{"reason": "test_cleanup"})
	})

	code, body = postJSON(t, client, "/v1/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code, "pause: %v", body)
	assert.Equal(t, true, body["ok"])

	code, body = getJSON(t, client, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])

	code, body = postJSON(t, client, "/v1/sessions/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, code, "resume: %v", body)
	assert.Equal(t, true, body["ok"])

	code, body = getJSON(t, client, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"])
}

func TestE2E_SessionValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: httpTimeout}
	waitForAppReady(t, client, appReadyTimeout)

	t.Run("Empty_Command_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/sessions", map[string]any{"command": []string{}})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Missing_Command_Rejected", func(t *testing.T) {
		code, body := postJSON(t, client, "/v1/sessions", map[string]any{"work_dir": "/tmp"})
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("Unknown_Session_Not_Found", func(t *testing.T) {
		missing := uniqueName("no-such-session")
		code, body := getJSON(t, client, "/v1/sessions/"+missing)
		assert.Equal(t, http.StatusNotFound, code, "body: %v", body)

		code, _ = postJSON(t, client, "/v1/sessions/"+missing+"/input", map[string]any{"text": "x\n"})
		assert.Equal(t, http.StatusNotFound, code)

		code, _ = postJSON(t, client, "/v1/sessions/"+missing+"/stop", map[string]any{})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Negative_Lines_Rejected", func(t *testing.T) {
		code, body := getJSON(t, client, "/v1/sessions/"+uniqueName("s")+"/output?lines=-1")
		require.Equal(t, http.StatusBadRequest, code, "body: %v", body)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})
}

func containsLine(lines []any, want string) bool {
	for _, ln := range lines {
		if s, ok := ln.(string); ok && strings.Contains(s, want) {
			return true
		}
	}
	return false
}
