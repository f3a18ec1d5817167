package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// teamsEnvFlag switches the CLI's experimental agent-teams feature on for the
// spawned session.
const teamsEnvFlag = "CLAUDE_CODE_EXPERIMENTAL_TEAMS"

type fileStamp struct {
	mod  time.Time
	size int64
}

// teamState tracks one team session's filesystem monitor. In-memory only.
type teamState struct {
	teamName string
	root     string
	tasksDir string
	watcher  *fsnotify.Watcher
	watched  map[string]bool
	seen     map[string]fileStamp
	updates  int
	stopped  bool
	stop     chan struct{}
}

type teamMonitors struct {
	mu sync.Mutex
	m  map[string]*teamState
}

func newTeamMonitors() *teamMonitors {
	return &teamMonitors{m: make(map[string]*teamState)}
}

func (t *teamMonitors) put(id string, st *teamState) {
	t.mu.Lock()
	t.m[id] = st
	t.mu.Unlock()
}

func (t *teamMonitors) remove(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

func (t *teamMonitors) halt(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[id]
	if !ok || st.stopped {
		return
	}
	st.stopped = true
	close(st.stop)
}

// teamHandler spawns a session that creates an agent team, then mirrors the
// team's config and task files to subscribers as they change on disk.
type teamHandler struct {
	s *Service
}

func (h *teamHandler) Start(ctx domain.Context, req domain.ExecutionRequest) (StartResult, error) {
	if !h.s.opts.TeamsEnabled {
		return StartResult{}, fmt.Errorf("%w: team spawn is disabled (set TEAMS_ENABLED=true)", domain.ErrUnavailable)
	}

	teamName := req.TeamName
	if teamName == "" {
		teamName = deriveTeamName(req.ExecutionID)
	}

	command := append(append([]string{}, req.Command...), teamPrompt(req, teamName))
	start, err := h.s.startSession(ctx, req, command, map[string]string{teamsEnvFlag: "1"})
	if err != nil {
		return StartResult{}, err
	}

	root := filepath.Join(credentials.ExpandPath(h.s.opts.TeamStateDir), teamName)
	st := &teamState{
		teamName: teamName,
		root:     root,
		tasksDir: filepath.Join(root, "tasks"),
		watched:  make(map[string]bool),
		seen:     make(map[string]fileStamp),
		stop:     make(chan struct{}),
	}
	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		// Polling fallback still covers the directory.
		slog.Warn("team watcher unavailable, polling only",
			slog.String("session_id", start.SessionID), slog.Any("error", werr))
	} else {
		st.watcher = watcher
	}
	h.s.teams.put(start.SessionID, st)
	go h.s.runTeamMonitor(start.SessionID, st)

	slog.Info("team spawn started",
		slog.String("session_id", start.SessionID),
		slog.String("team", teamName),
		slog.String("state_dir", root))
	return start, nil
}

func deriveTeamName(executionID string) string {
	id := strings.ReplaceAll(executionID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = "adhoc"
	}
	return "team-" + id
}

func teamPrompt(req domain.ExecutionRequest, teamName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an agent team named %q and coordinate it to completion.", teamName)
	if req.TaskDescription != "" {
		b.WriteString("\nTask: ")
		b.WriteString(req.TaskDescription)
	}
	b.WriteString("\nKeep the team's config and task files up to date so progress can be observed.")
	return b.String()
}

// runTeamMonitor forwards team config/task file changes as team_update deltas.
// fsnotify provides the fast path; the ticker rescan catches events that
// platforms with batched notifications drop, and picks up the team directory
// once the CLI creates it.
func (s *Service) runTeamMonitor(id string, st *teamState) {
	ticker := time.NewTicker(s.opts.TeamPollFallback)
	defer ticker.Stop()
	defer func() {
		if st.watcher != nil {
			_ = st.watcher.Close()
		}
		s.teams.remove(id)
	}()

	var events chan fsnotify.Event
	var errs chan error
	if st.watcher != nil {
		events = st.watcher.Events
		errs = st.watcher.Errors
	}
	s.ensureTeamWatches(st)

	for {
		select {
		case <-st.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				if isDir(ev.Name) {
					s.ensureTeamWatches(st)
					continue
				}
				s.emitTeamFile(id, st, ev.Name)
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("team watcher error", slog.String("session_id", id), slog.Any("error", werr))
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			info, err := s.manager.GetInfo(tctx, id)
			cancel()
			if err != nil || info.Status.Terminal() {
				return
			}
			s.ensureTeamWatches(st)
			s.rescanTeamFiles(id, st)
		}
	}
}

func (s *Service) ensureTeamWatches(st *teamState) {
	if st.watcher == nil {
		return
	}
	for _, dir := range []string{st.root, st.tasksDir} {
		if st.watched[dir] || !isDir(dir) {
			continue
		}
		if err := st.watcher.Add(dir); err != nil {
			slog.Debug("team watch add failed", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		st.watched[dir] = true
	}
}

func (s *Service) rescanTeamFiles(id string, st *teamState) {
	if p := filepath.Join(st.root, "config.json"); fileExists(p) {
		s.emitTeamFile(id, st, p)
	}
	entries, err := os.ReadDir(st.tasksDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s.emitTeamFile(id, st, filepath.Join(st.tasksDir, e.Name()))
	}
}

// emitTeamFile pushes one team_update delta for a config/task file, deduped
// by mtime+size. Unparseable files are skipped without recording the stamp so
// a torn write is retried once the writer finishes.
func (s *Service) emitTeamFile(id string, st *teamState, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	typ := classifyTeamFile(st, path)
	if typ == "" {
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	stamp := fileStamp{mod: fi.ModTime(), size: fi.Size()}

	s.teams.mu.Lock()
	prev, known := st.seen[path]
	s.teams.mu.Unlock()
	if known && prev == stamp {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Debug("team file not yet parseable", slog.String("path", path), slog.Any("error", err))
		return
	}

	s.teams.mu.Lock()
	st.seen[path] = stamp
	st.updates++
	s.teams.mu.Unlock()

	s.hub.PushNamed(id, "team_update", map[string]any{
		"type": typ,
		"team": st.teamName,
		"file": filepath.Base(path),
		"data": data,
	})
}

// classifyTeamFile returns "config" for <root>/config.json, "task" for files
// under tasks/, and "" for anything else.
func classifyTeamFile(st *teamState, path string) string {
	dir := filepath.Dir(path)
	switch {
	case dir == st.tasksDir:
		return "task"
	case dir == st.root && filepath.Base(path) == "config.json":
		return "config"
	default:
		return ""
	}
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func (h *teamHandler) Monitor(id string) map[string]any {
	out := h.s.sessionStatus(id)
	h.s.teams.mu.Lock()
	if st, ok := h.s.teams.m[id]; ok {
		out["team_name"] = st.teamName
		out["state_dir"] = st.root
		out["team_updates"] = st.updates
		out["watching"] = st.watcher != nil
	}
	h.s.teams.mu.Unlock()
	return out
}

func (h *teamHandler) Stop(ctx domain.Context, id string) bool {
	h.s.teams.halt(id)
	return h.s.manager.Stop(ctx, id, "user_stop")
}

func (h *teamHandler) GetOutput(id string, lastN int) []string {
	lines, _ := h.s.manager.GetOutput(id, lastN)
	return lines
}
