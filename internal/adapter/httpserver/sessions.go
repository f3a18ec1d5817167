package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
)

// sessionJSON is the wire shape of a session.
type sessionJSON struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id,omitempty"`
	TriggerID      string     `json:"trigger_id,omitempty"`
	Command        []string   `json:"command"`
	WorkDir        string     `json:"work_dir,omitempty"`
	WorktreePath   string     `json:"worktree_path,omitempty"`
	ExecType       string     `json:"exec_type"`
	Mode           string     `json:"mode,omitempty"`
	PID            int        `json:"pid,omitempty"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	IdleTimeoutSec int        `json:"idle_timeout_seconds,omitempty"`
	MaxLifetimeSec int        `json:"max_lifetime_seconds,omitempty"`
}

func toSessionJSON(s domain.Session) sessionJSON {
	return sessionJSON{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		TriggerID:      s.TriggerID,
		Command:        s.Command,
		WorkDir:        s.WorkDir,
		WorktreePath:   s.WorktreePath,
		ExecType:       string(s.ExecType),
		Mode:           string(s.Mode),
		PID:            s.PID,
		Status:         string(s.Status),
		ExitCode:       s.ExitCode,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
		IdleTimeoutSec: int(s.IdleTimeout / time.Second),
		MaxLifetimeSec: int(s.MaxLifetime / time.Second),
	}
}

// CreateSessionHandler spawns a PTY session.
func (s *Server) CreateSessionHandler() http.HandlerFunc {
	type req struct {
		ProjectID      string            `json:"project_id" validate:"omitempty,max=200"`
		TriggerID      string            `json:"trigger_id" validate:"omitempty,max=200"`
		Command        []string          `json:"command" validate:"required,min=1,dive,required"`
		WorkDir        string            `json:"work_dir" validate:"omitempty,max=500"`
		WorktreePath   string            `json:"worktree_path" validate:"omitempty,max=500"`
		ExecType       string            `json:"exec_type" validate:"omitempty,oneof=direct ralph_loop team_spawn"`
		Mode           string            `json:"mode" validate:"omitempty,oneof=autonomous interactive"`
		Env            map[string]string `json:"env" validate:"omitempty,max=100"`
		IdleTimeoutSec int               `json:"idle_timeout_seconds" validate:"omitempty,min=1,max=86400"`
		MaxLifetimeSec int               `json:"max_lifetime_seconds" validate:"omitempty,min=1,max=172800"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := decodeValid(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		execType := domain.ExecutionType(in.ExecType)
		if in.ExecType == "" {
			execType = domain.ExecTypeDirect
		}
		id, err := s.Sessions.Create(r.Context(), session.CreateParams{
			ProjectID:    in.ProjectID,
			TriggerID:    in.TriggerID,
			Command:      in.Command,
			WorkDir:      in.WorkDir,
			WorktreePath: in.WorktreePath,
			ExecType:     execType,
			Mode:         domain.ExecutionMode(in.Mode),
			Env:          in.Env,
			IdleTimeout:  time.Duration(in.IdleTimeoutSec) * time.Second,
			MaxLifetime:  time.Duration(in.MaxLifetimeSec) * time.Second,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("session create: %w", err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
	}
}

// ListSessionsHandler returns the sessions this process owns.
func (s *Server) ListSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		list := s.Sessions.List()
		out := make([]sessionJSON, 0, len(list))
		for _, sess := range list {
			out = append(out, toSessionJSON(sess))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	}
}

// GetSessionHandler returns one session, live state preferred over the store.
func (s *Server) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := s.Sessions.GetInfo(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionJSON(info))
	}
}

// SessionOutputHandler returns the last N ring-buffer lines.
func (s *Server) SessionOutputHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		lastN := 0
		if raw := r.URL.Query().Get("lines"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: lines must be a non-negative integer", domain.ErrInvalidArgument))
				return
			}
			lastN = n
		}
		lines, ok := s.Sessions.GetOutput(id, lastN)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "lines": lines})
	}
}

// SessionInputHandler writes text to the session's PTY.
func (s *Server) SessionInputHandler() http.HandlerFunc {
	type req struct {
		Text string `json:"text" validate:"required,max=65536"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var in req
		if err := decodeValid(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if !s.Sessions.SendInput(r.Context(), id, in.Text) {
			writeError(w, r, fmt.Errorf("%w: session %s not running", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// StopSessionHandler terminates the session's process group.
func (s *Server) StopSessionHandler() http.HandlerFunc {
	type req struct {
		Reason string `json:"reason" validate:"omitempty,max=500"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var in req
		// Stop accepts an empty body.
		if r.ContentLength > 0 {
			if err := decodeValid(w, r, &in); err != nil {
				writeError(w, r, err)
				return
			}
		}
		reason := in.Reason
		if reason == "" {
			reason = "user_requested"
		}
		if !s.Sessions.Stop(r.Context(), id, reason) {
			writeError(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// PauseSessionHandler suspends output broadcasting; the ring keeps filling.
func (s *Server) PauseSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.Sessions.Pause(r.Context(), id) {
			writeError(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// ResumeSessionHandler re-enables output broadcasting. Buffered lines are not
// replayed; clients fetch history via the output endpoint.
func (s *Server) ResumeSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.Sessions.Resume(r.Context(), id) {
			writeError(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// StreamSessionHandler streams raw PTY output over SSE: ring replay first,
// then live lines until the session reaches a terminal state or the client
// disconnects.
func (s *Server) StreamSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		replay, sub, ok := s.Sessions.Subscribe(id)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
			return
		}
		defer sub.Close()
		sw, err := newSSEWriter(w)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		for _, frame := range replay {
			if err := sw.frame(frame); err != nil {
				return
			}
		}
		sw.pump(r, sub.C, s.Cfg.SSEHeartbeat)
	}
}
