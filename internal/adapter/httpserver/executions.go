package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/usecase"
)

// executionJSON is the wire shape of an execution record.
type executionJSON struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	ProjectID string    `json:"project_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Backend   string    `json:"backend"`
	ExecType  string    `json:"exec_type"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toExecutionJSON(e domain.Execution) executionJSON {
	return executionJSON{
		ID:        e.ID,
		TriggerID: e.TriggerID,
		ProjectID: e.ProjectID,
		SessionID: e.SessionID,
		AccountID: e.AccountID,
		Backend:   string(e.Backend),
		ExecType:  string(e.ExecType),
		Status:    string(e.Status),
		Error:     e.Error,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type chainEntryReq struct {
	Backend   string  `json:"backend" validate:"required,oneof=claude codex gemini opencode"`
	AccountID *string `json:"account_id" validate:"omitempty,max=100"`
}

// ExecuteHandler runs the fallback chain for a trigger and returns the
// execution record of the attempt that stuck.
func (s *Server) ExecuteHandler() http.HandlerFunc {
	type req struct {
		TriggerID    string          `json:"trigger_id" validate:"required,max=200"`
		ProjectID    string          `json:"project_id" validate:"omitempty,max=200"`
		Command      []string        `json:"command" validate:"omitempty,dive,required"`
		WorkDir      string          `json:"work_dir" validate:"omitempty,max=500"`
		WorktreePath string          `json:"worktree_path" validate:"omitempty,max=500"`
		ExecType     string          `json:"exec_type" validate:"omitempty,oneof=direct ralph_loop team_spawn"`
		Mode         string          `json:"mode" validate:"omitempty,oneof=autonomous interactive"`
		Backend      string          `json:"backend" validate:"omitempty,oneof=claude codex gemini opencode"`
		AccountID    string          `json:"account_id" validate:"omitempty,max=100"`
		Chain        []chainEntryReq `json:"chain" validate:"omitempty,max=20,dive"`

		MaxIterations     int    `json:"max_iterations" validate:"omitempty,min=1,max=1000"`
		CompletionPromise string `json:"completion_promise" validate:"omitempty,max=2000"`
		TaskDescription   string `json:"task_description" validate:"omitempty,max=10000"`
		TeamName          string `json:"team_name" validate:"omitempty,max=200"`
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
		chain := make([]domain.ChainEntry, 0, len(in.Chain))
		for _, e := range in.Chain {
			chain = append(chain, domain.ChainEntry{Backend: domain.Backend(e.Backend), AccountID: e.AccountID})
		}
		exec, err := s.Orchestrator.Execute(r.Context(), usecase.ExecuteParams{
			TriggerID:         in.TriggerID,
			ProjectID:         in.ProjectID,
			Command:           in.Command,
			WorkDir:           in.WorkDir,
			WorktreePath:      in.WorktreePath,
			ExecType:          execType,
			Mode:              domain.ExecutionMode(in.Mode),
			Chain:             chain,
			Backend:           domain.Backend(in.Backend),
			AccountID:         in.AccountID,
			MaxIterations:     in.MaxIterations,
			CompletionPromise: in.CompletionPromise,
			TaskDescription:   in.TaskDescription,
			TeamName:          in.TeamName,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toExecutionJSON(exec))
	}
}

// GetExecutionHandler returns one execution record by id.
func (s *Server) GetExecutionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument))
			return
		}
		exec, err := s.Executions.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toExecutionJSON(exec))
	}
}
