// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST and SSE endpoints of the control plane: execution
// triggering, PTY session management, live output and chat streaming, and
// rate-limit monitor administration. The package keeps HTTP concerns
// separate from the services it fronts.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// errorBody is the envelope for every non-2xx response: a human-readable
// error string plus a stable machine code.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrChainExhausted):
		code = http.StatusServiceUnavailable
		codeStr = "CHAIN_EXHAUSTED"
	case errors.Is(err, domain.ErrBudgetExceeded):
		code = http.StatusForbidden
		codeStr = "BUDGET_EXCEEDED"
	case errors.Is(err, domain.ErrCredentialMissing):
		code = http.StatusFailedDependency
		codeStr = "CREDENTIAL_MISSING"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UNAVAILABLE"
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Code: codeStr})
}
