package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// ralphState is one loop session's in-memory progress tracking. Lost on
// restart; timers start from zero.
type ralphState struct {
	iterations   int
	noProgress   int
	lastHead     string
	lastActivity time.Time
	tripped      bool
	stopped      bool
	stop         chan struct{}
}

type ralphMonitors struct {
	mu sync.Mutex
	m  map[string]*ralphState
}

func newRalphMonitors() *ralphMonitors {
	return &ralphMonitors{m: make(map[string]*ralphState)}
}

func (r *ralphMonitors) put(id string, st *ralphState) {
	r.mu.Lock()
	r.m[id] = st
	r.mu.Unlock()
}

func (r *ralphMonitors) remove(id string) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

// halt signals the monitor goroutine; safe to call twice.
func (r *ralphMonitors) halt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[id]
	if !ok || st.stopped {
		return
	}
	st.stopped = true
	close(st.stop)
}

// ralphHandler runs the autonomous loop: the CLI works toward a task in
// commits, and a monitor goroutine trips a circuit breaker when the worktree
// stops moving.
type ralphHandler struct {
	s *Service
}

func (h *ralphHandler) Start(ctx domain.Context, req domain.ExecutionRequest) (StartResult, error) {
	if !h.s.pluginInstalled() {
		return StartResult{}, fmt.Errorf("%w: ralph plugin not installed (looked in %s)", domain.ErrUnavailable, h.s.opts.RalphPluginDir)
	}

	command := req.Command
	if req.TaskDescription != "" {
		command = append(append([]string{}, req.Command...), ralphPrompt(req))
	}

	start, err := h.s.startSession(ctx, req, command, nil)
	if err != nil {
		return StartResult{}, err
	}

	dir := req.WorktreePath
	if dir == "" {
		dir = req.WorkDir
	}
	st := &ralphState{stop: make(chan struct{})}
	if head, err := h.s.gitHead(ctx, dir); err == nil {
		st.lastHead = head
	}
	if info, err := h.s.manager.GetInfo(ctx, start.SessionID); err == nil {
		st.lastActivity = info.LastActivityAt
	}
	h.s.ralph.put(start.SessionID, st)
	go h.s.runRalphMonitor(start.SessionID, dir, st)

	slog.Info("ralph loop started",
		slog.String("session_id", start.SessionID),
		slog.String("worktree", dir),
		slog.Int("max_iterations", req.MaxIterations))
	return start, nil
}

// ralphPrompt builds the loop prompt from the request's task inputs.
func ralphPrompt(req domain.ExecutionRequest) string {
	var b strings.Builder
	b.WriteString("You are running in an autonomous loop. Work in small, committed steps.\n")
	b.WriteString("Task: ")
	b.WriteString(req.TaskDescription)
	b.WriteString("\nCommit after every meaningful change; progress is measured by new commits.")
	if req.MaxIterations > 0 {
		fmt.Fprintf(&b, "\nYou have at most %d iterations.", req.MaxIterations)
	}
	if req.CompletionPromise != "" {
		fmt.Fprintf(&b, "\nWhen the task is fully complete, print exactly %q and stop.", req.CompletionPromise)
	}
	return b.String()
}

// runRalphMonitor polls the worktree HEAD. A new commit advances the
// iteration counter; fresh output is neutral (when the heuristic is on);
// anything else counts toward the no-progress circuit breaker.
func (s *Service) runRalphMonitor(id, dir string, st *ralphState) {
	ticker := time.NewTicker(s.opts.RalphPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			s.ralph.remove(id)
			return
		case <-ticker.C:
		}

		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		info, err := s.manager.GetInfo(tctx, id)
		if err != nil || info.Status.Terminal() {
			cancel()
			s.ralph.remove(id)
			return
		}
		head, headErr := s.gitHead(tctx, dir)
		cancel()

		s.ralph.mu.Lock()
		progressed := false
		if headErr == nil && head != "" {
			if st.lastHead != "" && head != st.lastHead {
				progressed = true
			}
			st.lastHead = head
		}
		switch {
		case progressed:
			st.iterations++
			st.noProgress = 0
		case s.opts.RalphOutputProgress && info.LastActivityAt.After(st.lastActivity):
			// Output is still flowing; treat as neutral.
		default:
			st.noProgress++
		}
		st.lastActivity = info.LastActivityAt
		trip := !st.tripped && st.noProgress >= s.opts.RalphNoProgressThreshold
		if trip {
			st.tripped = true
		}
		iterations := st.iterations
		noProgress := st.noProgress
		s.ralph.mu.Unlock()

		if progressed {
			s.hub.PushNamed(id, "ralph_iteration", map[string]any{
				"iteration": iterations,
				"commit":    shortHash(head),
			})
		}
		if trip {
			s.hub.PushNamed(id, "circuit_breaker", map[string]any{
				"reason":                      "no_progress",
				"iterations_without_progress": noProgress,
			})
			slog.Warn("ralph circuit breaker tripped",
				slog.String("session_id", id),
				slog.Int("iterations_without_progress", noProgress))
			s.manager.Stop(context.Background(), id, "circuit_breaker")
			s.ralph.remove(id)
			return
		}
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func (h *ralphHandler) Monitor(id string) map[string]any {
	out := h.s.sessionStatus(id)
	h.s.ralph.mu.Lock()
	if st, ok := h.s.ralph.m[id]; ok {
		out["iterations"] = st.iterations
		out["no_progress_count"] = st.noProgress
		out["last_commit"] = shortHash(st.lastHead)
		out["circuit_breaker_tripped"] = st.tripped
	}
	h.s.ralph.mu.Unlock()
	return out
}

func (h *ralphHandler) Stop(ctx domain.Context, id string) bool {
	h.s.ralph.halt(id)
	return h.s.manager.Stop(ctx, id, "user_stop")
}

func (h *ralphHandler) GetOutput(id string, lastN int) []string {
	lines, _ := h.s.manager.GetOutput(id, lastN)
	return lines
}
