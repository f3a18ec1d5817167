// Package execution dispatches orchestrated attempts to the handler matching
// their execution type: direct pass-through, the autonomous ralph loop, or a
// team spawn. The registry is static; backends and execution types are closed
// enums.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
	"github.com/fairyhunter13/agent-control-plane/internal/service/statechan"
)

const (
	defaultDetectWindow = 10 * time.Second
	defaultDetectPoll   = 200 * time.Millisecond
)

// StartResult is what a handler reports once the session is up.
type StartResult struct {
	SessionID string
	PID       int
	Status    domain.SessionStatus
}

// Handler drives one execution type.
type Handler interface {
	Start(ctx domain.Context, req domain.ExecutionRequest) (StartResult, error)
	Monitor(id string) map[string]any
	Stop(ctx domain.Context, id string) bool
	GetOutput(id string, lastN int) []string
}

// Options tune the handlers. Zero values fall back to defaults.
type Options struct {
	DetectWindow time.Duration
	DetectPoll   time.Duration

	RalphPollInterval        time.Duration
	RalphNoProgressThreshold int
	RalphOutputProgress      bool
	RalphPluginDir           string

	TeamsEnabled     bool
	TeamStateDir     string
	TeamPollFallback time.Duration
}

// Service implements domain.ExecutionRunner over the static handler table.
type Service struct {
	manager *session.Manager
	hub     *statechan.Hub
	opts    Options

	handlers map[domain.ExecutionType]Handler

	// gitHead is swapped in tests.
	gitHead func(ctx domain.Context, dir string) (string, error)

	ralph *ralphMonitors
	teams *teamMonitors
}

// NewService builds the handler registry.
func NewService(manager *session.Manager, hub *statechan.Hub, opts Options) *Service {
	if opts.DetectWindow <= 0 {
		opts.DetectWindow = defaultDetectWindow
	}
	if opts.DetectPoll <= 0 {
		opts.DetectPoll = defaultDetectPoll
	}
	if opts.RalphPollInterval <= 0 {
		opts.RalphPollInterval = 30 * time.Second
	}
	if opts.RalphNoProgressThreshold <= 0 {
		opts.RalphNoProgressThreshold = 3
	}
	if opts.TeamPollFallback <= 0 {
		opts.TeamPollFallback = 5 * time.Second
	}
	s := &Service{
		manager: manager,
		hub:     hub,
		opts:    opts,
		gitHead: resolveGitHead,
		ralph:   newRalphMonitors(),
		teams:   newTeamMonitors(),
	}
	s.handlers = map[domain.ExecutionType]Handler{
		domain.ExecTypeDirect:    &directHandler{s: s},
		domain.ExecTypeRalphLoop: &ralphHandler{s: s},
		domain.ExecTypeTeamSpawn: &teamHandler{s: s},
	}
	return s
}

// Handler returns the handler for an execution type.
func (s *Service) Handler(t domain.ExecutionType) (Handler, bool) {
	h, ok := s.handlers[t]
	return h, ok
}

// Run starts the session through the matching handler, then watches early
// output for rate-limit signals so the orchestrator can rotate the chain.
func (s *Service) Run(ctx domain.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	h, ok := s.handlers[req.ExecType]
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("%w: execution type %q", domain.ErrInvalidArgument, req.ExecType)
	}
	start, err := h.Start(ctx, req)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	if cooldown, limited := s.watchStartup(ctx, req.Backend, start.SessionID); limited {
		h.Stop(ctx, start.SessionID)
		return domain.ExecutionResult{
			SessionID:   start.SessionID,
			PID:         start.PID,
			RateLimited: true,
			Cooldown:    cooldown,
		}, nil
	}
	return domain.ExecutionResult{SessionID: start.SessionID, PID: start.PID}, nil
}

// watchStartup scans the session's ring for rate-limit lines until the
// detect window elapses or the session goes terminal.
func (s *Service) watchStartup(ctx domain.Context, backend domain.Backend, id string) (time.Duration, bool) {
	deadline := time.Now().Add(s.opts.DetectWindow)
	for {
		if cooldown, hit := s.scanForRateLimit(backend, id); hit {
			return cooldown, true
		}
		info, err := s.manager.GetInfo(ctx, id)
		if err == nil && info.Status.Terminal() {
			// One more scan catches lines flushed at exit.
			return s.scanForRateLimit(backend, id)
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(s.opts.DetectPoll):
		}
	}
}

func (s *Service) scanForRateLimit(backend domain.Backend, id string) (time.Duration, bool) {
	lines, ok := s.manager.GetOutput(id, 0)
	if !ok {
		return 0, false
	}
	for _, ln := range lines {
		if cooldown, hit := domain.DetectRateLimit(backend, ln); hit {
			slog.Warn("rate-limit signal in session output",
				slog.String("session_id", id),
				slog.String("backend", string(backend)),
				slog.String("line", ln))
			return cooldown, true
		}
	}
	return 0, false
}

// startSession is the shared path under every handler: merge env overlays,
// create the PTY session, open its state channel.
func (s *Service) startSession(ctx domain.Context, req domain.ExecutionRequest, command []string, extraEnv map[string]string) (StartResult, error) {
	env := envMap(req.Env)
	for k, v := range extraEnv {
		env[k] = v
	}
	id, err := s.manager.Create(ctx, session.CreateParams{
		ProjectID:    req.ProjectID,
		TriggerID:    req.TriggerID,
		Command:      command,
		WorkDir:      req.WorkDir,
		WorktreePath: req.WorktreePath,
		ExecType:     req.ExecType,
		Mode:         req.Mode,
		Env:          env,
	})
	if err != nil {
		return StartResult{}, err
	}
	s.hub.Init(id)
	info, err := s.manager.GetInfo(ctx, id)
	if err != nil {
		return StartResult{SessionID: id, Status: domain.SessionActive}, nil
	}
	return StartResult{SessionID: id, PID: info.PID, Status: info.Status}, nil
}

// sessionStatus is the base Monitor payload shared by all handlers.
func (s *Service) sessionStatus(id string) map[string]any {
	info, err := s.manager.GetInfo(context.Background(), id)
	if err != nil {
		return map[string]any{"session_id": id, "error": "not found"}
	}
	out := map[string]any{
		"session_id":       id,
		"status":           string(info.Status),
		"pid":              info.PID,
		"exec_type":        string(info.ExecType),
		"created_at":       info.CreatedAt.Format(time.RFC3339),
		"last_activity_at": info.LastActivityAt.Format(time.RFC3339),
	}
	if info.ExitCode != nil {
		out["exit_code"] = *info.ExitCode
	}
	return out
}

func envMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// resolveGitHead shells out to git in the given directory.
func resolveGitHead(ctx domain.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("op=execution.resolveGitHead: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// directHandler is the thin pass-through to the session manager.
type directHandler struct {
	s *Service
}

func (h *directHandler) Start(ctx domain.Context, req domain.ExecutionRequest) (StartResult, error) {
	return h.s.startSession(ctx, req, req.Command, nil)
}

func (h *directHandler) Monitor(id string) map[string]any {
	return h.s.sessionStatus(id)
}

func (h *directHandler) Stop(ctx domain.Context, id string) bool {
	return h.s.manager.Stop(ctx, id, "user_stop")
}

func (h *directHandler) GetOutput(id string, lastN int) []string {
	lines, _ := h.s.manager.GetOutput(id, lastN)
	return lines
}

// pluginInstalled reports whether the ralph plugin directory exists.
func (s *Service) pluginInstalled() bool {
	if s.opts.RalphPluginDir == "" {
		return true
	}
	st, err := os.Stat(credentials.ExpandPath(s.opts.RalphPluginDir))
	return err == nil && st.IsDir()
}
