package httpserver

import (
	"fmt"
	"net/http"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// GetMonitorConfigHandler returns the active monitor configuration.
func (s *Server) GetMonitorConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Monitor.Config())
	}
}

// PutMonitorConfigHandler replaces the monitor configuration. The domain
// validates the enumerated polling interval and counter floors; persistence
// and the in-memory copy update together.
func (s *Server) PutMonitorConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg domain.MonitorConfig
		if err := decodeValid(w, r, &cfg); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.Monitor.UpdateConfig(r.Context(), cfg); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Monitor.Config())
	}
}

// MonitorStatusHandler returns the full monitoring report: per-window
// snapshots with rates and ETAs, recent alerts, shared-credential peers, and
// scheduler states.
func (s *Server) MonitorStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Monitor.Status(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// ForcePollHandler runs one monitor tick immediately, regardless of the
// enabled flag.
func (s *Server) ForcePollHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Monitor.Poll(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("monitor poll: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SchedulerAccountsHandler returns the admission state of every account the
// scheduler has seen.
func (s *Server) SchedulerAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accounts": s.Scheduler.States()})
	}
}
