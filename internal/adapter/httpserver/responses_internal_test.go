package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func TestWriteError_StatusAndCode(t *testing.T) {
	cases := []struct {
		sentinel error
		status   int
		code     string
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{domain.ErrChainExhausted, http.StatusServiceUnavailable, "CHAIN_EXHAUSTED"},
		{domain.ErrBudgetExceeded, http.StatusForbidden, "BUDGET_EXCEEDED"},
		{domain.ErrCredentialMissing, http.StatusFailedDependency, "CREDENTIAL_MISSING"},
		{domain.ErrUpstreamTimeout, http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT"},
		{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			rw := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/x", nil)
			writeError(rw, r, fmt.Errorf("op=test: %w", c.sentinel))
			assert.Equal(t, c.status, rw.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
			assert.Equal(t, c.code, body.Code)
			assert.Contains(t, body.Error, "op=test")
		})
	}
}

func TestWriteError_UnknownIsInternal(t *testing.T) {
	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeError(rw, r, fmt.Errorf("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rw.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL", body.Code)
}

func TestWriteJSON_ContentType(t *testing.T) {
	rw := httptest.NewRecorder()
	writeJSON(rw, http.StatusCreated, map[string]string{"id": "abc"})
	assert.Equal(t, http.StatusCreated, rw.Code)
	assert.Equal(t, "application/json; charset=utf-8", rw.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"abc"}`, rw.Body.String())
}
