package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/stream"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/service/monitor"
	"github.com/fairyhunter13/agent-control-plane/internal/service/scheduler"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
	"github.com/fairyhunter13/agent-control-plane/internal/service/statechan"
	"github.com/fairyhunter13/agent-control-plane/internal/usecase"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20 // 1MB

// Server aggregates handlers dependencies.
type Server struct {
	Cfg          config.Config
	Orchestrator *usecase.Orchestrator
	Sessions     *session.Manager
	Hub          *statechan.Hub
	Gateway      *stream.Gateway
	Monitor      *monitor.Service
	Scheduler    *scheduler.Service
	Accounts     domain.AccountRepository
	Executions   domain.ExecutionRepository
	DBCheck      func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, orch *usecase.Orchestrator, sessions *session.Manager, hub *statechan.Hub, gateway *stream.Gateway, mon *monitor.Service, sched *scheduler.Service, accounts domain.AccountRepository, executions domain.ExecutionRepository, dbCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Orchestrator: orch,
		Sessions:     sessions,
		Hub:          hub,
		Gateway:      gateway,
		Monitor:      mon,
		Scheduler:    sched,
		Accounts:     accounts,
		Executions:   executions,
		DBCheck:      dbCheck,
	}
}

// decodeValid caps the body, decodes JSON into v, and runs struct validation.
// Validation failures carry the offending fields in the error message.
func decodeValid(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		var fields []string
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
		}
		return fmt.Errorf("%w: validation failed (%s)", domain.ErrInvalidArgument, strings.Join(fields, ", "))
	}
	return nil
}

// ReadyzHandler returns a readiness handler that probes the store, the
// monitor poll job, and the session manager.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		// Store
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		// Monitor poll liveness: stale when enabled and no poll landed within
		// three intervals. Never-polled is tolerated so boot passes readiness.
		if s.Monitor != nil {
			cfg := s.Monitor.Config()
			last := s.Monitor.LastPolledAt()
			switch {
			case !cfg.Enabled || last == nil:
				checks = append(checks, check{Name: "monitor", OK: true})
			case time.Since(*last) > 3*time.Duration(cfg.PollingMinutes)*time.Minute:
				checks = append(checks, check{Name: "monitor", OK: false, Details: fmt.Sprintf("last poll %s ago", time.Since(*last).Round(time.Second))})
			default:
				checks = append(checks, check{Name: "monitor", OK: true})
			}
		}
		// Session manager
		if s.Sessions != nil {
			checks = append(checks, check{Name: "sessions", OK: true, Details: fmt.Sprintf("%d active", len(s.Sessions.List()))})
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// accountJSON is the wire shape of an account. Credentials never leave the
// process; config_path and key_env_var are pointers, not secrets.
type accountJSON struct {
	ID               string     `json:"id"`
	Backend          string     `json:"backend"`
	Name             string     `json:"name"`
	Email            string     `json:"email,omitempty"`
	ConfigPath       string     `json:"config_path,omitempty"`
	KeyEnvVar        string     `json:"key_env_var,omitempty"`
	IsDefault        bool       `json:"is_default"`
	Plan             string     `json:"plan,omitempty"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	TotalExecutions  int64      `json:"total_executions"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toAccountJSON(a domain.Account) accountJSON {
	return accountJSON{
		ID:               a.ID,
		Backend:          string(a.Backend),
		Name:             a.Name,
		Email:            a.Email,
		ConfigPath:       a.ConfigPath,
		KeyEnvVar:        a.KeyEnvVar,
		IsDefault:        a.IsDefault,
		Plan:             a.Plan,
		RateLimitedUntil: a.RateLimitedUntil,
		LastUsedAt:       a.LastUsedAt,
		TotalExecutions:  a.TotalExecutions,
		CreatedAt:        a.CreatedAt,
	}
}

// ListAccountsHandler returns every registered account.
func (s *Server) ListAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := s.Accounts.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]accountJSON, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, toAccountJSON(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
	}
}

// GetAccountHandler returns one account by id.
func (s *Server) GetAccountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument))
			return
		}
		a, err := s.Accounts.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAccountJSON(a))
	}
}

// UpsertAccountHandler registers or updates an account, keyed by
// (backend, name).
func (s *Server) UpsertAccountHandler() http.HandlerFunc {
	type req struct {
		Backend    string `json:"backend" validate:"required,oneof=claude codex gemini opencode"`
		Name       string `json:"name" validate:"required,max=200"`
		Email      string `json:"email" validate:"omitempty,email"`
		ConfigPath string `json:"config_path" validate:"omitempty,max=500"`
		KeyEnvVar  string `json:"key_env_var" validate:"omitempty,max=200"`
		IsDefault  bool   `json:"is_default"`
		Plan       string `json:"plan" validate:"omitempty,max=100"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := decodeValid(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		id, err := s.Accounts.Upsert(r.Context(), domain.Account{
			Backend:    domain.Backend(in.Backend),
			Name:       in.Name,
			Email:      in.Email,
			ConfigPath: in.ConfigPath,
			KeyEnvVar:  in.KeyEnvVar,
			IsDefault:  in.IsDefault,
			Plan:       in.Plan,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("account upsert: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}
