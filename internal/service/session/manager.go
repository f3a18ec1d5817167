// Package session owns the lifecycle of PTY-backed CLI sessions: spawn,
// read, broadcast, pause/resume, stop, and resource-limit enforcement.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/pty"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/pkg/termtext"
)

// Raw output channel event names.
const (
	eventOutput   = "output"
	eventComplete = "complete"
)

// activityPersistEvery throttles last-activity writes to the store; the
// in-memory timestamp is always current.
const activityPersistEvery = 30 * time.Second

// CreateParams describes a session to spawn.
type CreateParams struct {
	ProjectID    string
	TriggerID    string
	Command      []string
	WorkDir      string
	WorktreePath string
	ExecType     domain.ExecutionType
	Mode         domain.ExecutionMode
	Env          map[string]string
	IdleTimeout  time.Duration
	MaxLifetime  time.Duration
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	RingLines      int
	QueueSize      int
	TerminateGrace time.Duration

	// OnExit, when set, runs after a session's terminal state has been
	// persisted. It receives the final session snapshot and a
	// short-deadline context; it must not block for long.
	OnExit func(ctx domain.Context, sess domain.Session)
}

type outputSub struct {
	ch     chan string
	closed bool
}

// OutputSubscription is one attached raw-output consumer. C closes when the
// session reaches a terminal state.
type OutputSubscription struct {
	C <-chan string

	m   *Manager
	id  string
	sub *outputSub
}

// Close detaches the subscription. Safe after terminal close.
func (s *OutputSubscription) Close() {
	if s == nil || s.m == nil {
		return
	}
	s.m.unsubscribe(s.id, s.sub)
}

type live struct {
	info        domain.Session
	proc        *pty.Proc
	ring        *ring
	paused      bool
	subs        map[*outputSub]struct{}
	done        chan struct{}
	lastPersist time.Time
}

// Manager holds every session this process owns. One mutex guards the
// session table, rings, and subscriber lists; it is never held across reads,
// writes, or store calls.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*live

	repo  domain.SessionRepository
	audit domain.AuditPublisher
	opts  Options
}

// NewManager builds a manager around the given store. audit may be nil.
func NewManager(repo domain.SessionRepository, audit domain.AuditPublisher, opts Options) *Manager {
	if opts.RingLines <= 0 {
		opts.RingLines = defaultRingLines
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = pty.DefaultTerminateGrace
	}
	return &Manager{
		sessions: make(map[string]*live),
		repo:     repo,
		audit:    audit,
		opts:     opts,
	}
}

var (
	sessionEntropyMu sync.Mutex
	sessionEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

func newSessionID() string {
	sessionEntropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), sessionEntropy)
	sessionEntropyMu.Unlock()
	if err != nil {
		// Fallback to timestamp-based ID if ULID generation fails for any reason.
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Create spawns the command under a PTY, persists the row, and starts the
// reader goroutine. PID and PGID are recorded before the reader starts.
func (m *Manager) Create(ctx domain.Context, p CreateParams) (string, error) {
	if len(p.Command) == 0 {
		return "", fmt.Errorf("op=session.Create: empty command: %w", domain.ErrInvalidArgument)
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = domain.DefaultIdleTimeout
	}
	if p.MaxLifetime <= 0 {
		p.MaxLifetime = domain.DefaultMaxLifetime
	}
	if p.ExecType == "" {
		p.ExecType = domain.ExecTypeDirect
	}
	if p.Mode == "" {
		p.Mode = domain.ModeAutonomous
	}

	proc, err := pty.Open(p.Command, p.WorkDir, p.Env)
	if err != nil {
		return "", fmt.Errorf("op=session.Create: %w", err)
	}

	now := time.Now().UTC()
	info := domain.Session{
		ID:             newSessionID(),
		ProjectID:      p.ProjectID,
		TriggerID:      p.TriggerID,
		Command:        p.Command,
		WorkDir:        p.WorkDir,
		WorktreePath:   p.WorktreePath,
		ExecType:       p.ExecType,
		Mode:           p.Mode,
		PID:            proc.PID,
		PGID:           proc.PGID,
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		IdleTimeout:    p.IdleTimeout,
		MaxLifetime:    p.MaxLifetime,
	}

	if err := m.repo.Create(ctx, info); err != nil {
		proc.Terminate(2 * time.Second)
		proc.CloseMaster()
		return "", fmt.Errorf("op=session.Create: persist: %w", err)
	}

	lv := &live{
		info:        info,
		proc:        proc,
		ring:        newRing(m.opts.RingLines),
		subs:        make(map[*outputSub]struct{}),
		done:        make(chan struct{}),
		lastPersist: now,
	}
	m.mu.Lock()
	m.sessions[info.ID] = lv
	m.mu.Unlock()

	go m.readLoop(lv)

	observability.SessionStarted(string(p.ExecType))
	m.publishAudit(ctx, "session.created", info.ID, map[string]any{
		"project_id": p.ProjectID,
		"exec_type":  string(p.ExecType),
		"pid":        proc.PID,
	})
	slog.Info("session created",
		slog.String("session_id", info.ID),
		slog.String("project_id", p.ProjectID),
		slog.String("exec_type", string(p.ExecType)),
		slog.Int("pid", proc.PID),
		slog.Int("pgid", proc.PGID))
	return info.ID, nil
}

// readLoop owns all reads on the master descriptor. Bytes accumulate until
// LF; each completed line is decoded, stripped, and ingested. EOF flushes
// the partial tail and runs the exit handler.
func (m *Manager) readLoop(lv *live) {
	var partial []byte
	chunk := make([]byte, pty.ReadChunkSize)
	for {
		n, err := lv.proc.Master.Read(chunk)
		if n > 0 {
			partial = append(partial, chunk[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				m.ingestLine(lv, string(partial[:i]))
				partial = partial[i+1:]
			}
		}
		if err != nil {
			if err != io.EOF && !pty.IsClosedRead(err) {
				slog.Warn("session read error",
					slog.String("session_id", lv.info.ID), slog.Any("error", err))
			}
			break
		}
	}
	if len(partial) > 0 {
		m.ingestLine(lv, string(partial))
	}
	m.finish(lv)
}

func (m *Manager) ingestLine(lv *live, raw string) {
	line := termtext.CleanLine(termtext.Decode(raw))
	now := time.Now().UTC()

	m.mu.Lock()
	lv.ring.Append(line)
	lv.info.LastActivityAt = now
	if !lv.paused {
		frame := formatEvent(eventOutput, map[string]any{"line": line})
		for sub := range lv.subs {
			sendFrame(sub, frame)
		}
	}
	persist := now.Sub(lv.lastPersist) >= activityPersistEvery
	if persist {
		lv.lastPersist = now
	}
	id := lv.info.ID
	m.mu.Unlock()

	observability.SessionOutputLines.Inc()
	if persist {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.repo.TouchActivity(ctx, id, now); err != nil {
				slog.Warn("session activity persist failed",
					slog.String("session_id", id), slog.Any("error", err))
			}
		}()
	}
}

// finish reaps the child, records the terminal state, broadcasts the
// complete event, and poisons every subscriber queue.
func (m *Manager) finish(lv *live) {
	code, werr := lv.proc.Wait()
	status := domain.SessionCompleted
	if code != 0 || werr != nil {
		status = domain.SessionFailed
	}
	now := time.Now().UTC()

	m.mu.Lock()
	lv.info.Status = status
	lv.info.ExitCode = &code
	lv.info.EndedAt = &now
	info := lv.info
	frame := formatEvent(eventComplete, map[string]any{
		"status":    string(status),
		"exit_code": code,
	})
	for sub := range lv.subs {
		sendFrame(sub, frame)
		sub.closed = true
		close(sub.ch)
	}
	lv.subs = make(map[*outputSub]struct{})
	m.mu.Unlock()
	close(lv.done)
	lv.proc.CloseMaster()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.Finish(ctx, info.ID, status, &code, now); err != nil {
		slog.Error("session terminal persist failed",
			slog.String("session_id", info.ID), slog.Any("error", err))
	}
	observability.SessionFinished(string(status))
	m.publishAudit(ctx, "session."+string(status), info.ID, map[string]any{
		"exit_code": code,
	})
	if m.opts.OnExit != nil {
		m.opts.OnExit(ctx, info)
	}
	slog.Info("session finished",
		slog.String("session_id", info.ID),
		slog.String("status", string(status)),
		slog.Int("exit_code", code))
}

// Stop terminates the session's process group and waits for the exit
// handler to record the terminal state. Unknown or already-terminal ids
// return false.
func (m *Manager) Stop(ctx domain.Context, id, reason string) bool {
	m.mu.Lock()
	lv, ok := m.sessions[id]
	if !ok || lv.info.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	proc := lv.proc
	m.mu.Unlock()

	slog.Info("stopping session",
		slog.String("session_id", id), slog.String("reason", reason))
	m.publishAudit(ctx, "session.stopped", id, map[string]any{"reason": reason})

	proc.Terminate(m.opts.TerminateGrace)
	select {
	case <-lv.done:
	case <-time.After(m.opts.TerminateGrace + 2*time.Second):
		// Reader did not drain; force EOF so the exit handler runs.
		proc.CloseMaster()
		<-lv.done
	}
	return true
}

// Pause stops broadcasting output. The ring keeps filling.
func (m *Manager) Pause(ctx domain.Context, id string) bool {
	return m.setPaused(ctx, id, true)
}

// Resume re-enables broadcasting. Buffered lines are not replayed; callers
// fetch history via GetOutput.
func (m *Manager) Resume(ctx domain.Context, id string) bool {
	return m.setPaused(ctx, id, false)
}

func (m *Manager) setPaused(ctx domain.Context, id string, paused bool) bool {
	m.mu.Lock()
	lv, ok := m.sessions[id]
	if !ok || lv.info.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	lv.paused = paused
	status := domain.SessionActive
	if paused {
		status = domain.SessionPaused
	}
	lv.info.Status = status
	m.mu.Unlock()

	if err := m.repo.SetStatus(ctx, id, status); err != nil {
		slog.Warn("session status persist failed",
			slog.String("session_id", id), slog.Any("error", err))
	}
	return true
}

// GetOutput returns the newest lastN ring lines (everything when lastN <= 0).
func (m *Manager) GetOutput(id string, lastN int) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lv, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return lv.ring.Last(lastN), true
}

// SendInput writes text to the session's PTY. The write happens outside the
// manager lock; write failures are logged, not returned.
func (m *Manager) SendInput(_ domain.Context, id, text string) bool {
	m.mu.Lock()
	lv, ok := m.sessions[id]
	if !ok || lv.info.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	proc := lv.proc
	lv.info.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	if _, err := proc.Master.Write([]byte(text)); err != nil {
		slog.Warn("session input write failed",
			slog.String("session_id", id), slog.Any("error", err))
	}
	return true
}

// Subscribe attaches a raw-output consumer. The replay of the current ring
// is computed in the same critical section that registers the subscriber, so
// no line is lost or duplicated between replay and live delivery. Terminal
// sessions get the full ring plus the complete event on an already-closed
// channel.
func (m *Manager) Subscribe(id string) (replay []string, sub *OutputSubscription, ok bool) {
	m.mu.Lock()
	lv, found := m.sessions[id]
	if !found {
		m.mu.Unlock()
		return nil, nil, false
	}
	lines := lv.ring.All()
	replay = make([]string, 0, len(lines)+1)
	for _, ln := range lines {
		replay = append(replay, formatEvent(eventOutput, map[string]any{"line": ln}))
	}
	if lv.info.Status.Terminal() {
		code := 0
		if lv.info.ExitCode != nil {
			code = *lv.info.ExitCode
		}
		replay = append(replay, formatEvent(eventComplete, map[string]any{
			"status":    string(lv.info.Status),
			"exit_code": code,
		}))
		m.mu.Unlock()
		ch := make(chan string)
		close(ch)
		return replay, &OutputSubscription{C: ch}, true
	}
	s := &outputSub{ch: make(chan string, m.opts.QueueSize)}
	lv.subs[s] = struct{}{}
	m.mu.Unlock()
	return replay, &OutputSubscription{C: s.ch, m: m, id: id, sub: s}, true
}

func (m *Manager) unsubscribe(id string, sub *outputSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub == nil || sub.closed {
		return
	}
	if lv, ok := m.sessions[id]; ok {
		delete(lv.subs, sub)
	}
	sub.closed = true
	close(sub.ch)
}

// GetInfo returns the session, preferring live state over the store.
func (m *Manager) GetInfo(ctx domain.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	if lv, ok := m.sessions[id]; ok {
		info := lv.info
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()
	return m.repo.Get(ctx, id)
}

// List snapshots every in-memory session, newest first.
func (m *Manager) List() []domain.Session {
	m.mu.Lock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, lv := range m.sessions {
		out = append(out, lv.info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ReconcileDeadSessions marks stored active sessions whose PID no longer
// answers a null signal as failed. Runs once on boot, before any create.
func (m *Manager) ReconcileDeadSessions(ctx domain.Context) (int, error) {
	rows, err := m.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=session.ReconcileDeadSessions: %w", err)
	}
	reconciled := 0
	now := time.Now().UTC()
	for _, row := range rows {
		m.mu.Lock()
		_, owned := m.sessions[row.ID]
		m.mu.Unlock()
		if owned || pty.Alive(row.PID) {
			continue
		}
		if err := m.repo.Finish(ctx, row.ID, domain.SessionFailed, nil, now); err != nil {
			slog.Error("session reconcile persist failed",
				slog.String("session_id", row.ID), slog.Any("error", err))
			continue
		}
		reconciled++
		slog.Info("reconciled dead session",
			slog.String("session_id", row.ID), slog.Int("pid", row.PID))
	}
	return reconciled, nil
}

// CheckResourceLimits stops sessions past their idle timeout or max
// lifetime. Returns how many were stopped.
func (m *Manager) CheckResourceLimits(ctx domain.Context) int {
	now := time.Now().UTC()
	type victim struct{ id, reason string }
	var victims []victim

	m.mu.Lock()
	for id, lv := range m.sessions {
		if lv.info.Status.Terminal() {
			continue
		}
		if idle := now.Sub(lv.info.LastActivityAt); idle > lv.info.IdleTimeout {
			victims = append(victims, victim{id, fmt.Sprintf("idle timeout exceeded: idle %s > %s", idle.Round(time.Second), lv.info.IdleTimeout)})
			continue
		}
		if age := now.Sub(lv.info.CreatedAt); age > lv.info.MaxLifetime {
			victims = append(victims, victim{id, fmt.Sprintf("max lifetime exceeded: age %s > %s", age.Round(time.Second), lv.info.MaxLifetime)})
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		slog.Info("session over resource limit",
			slog.String("session_id", v.id), slog.String("reason", v.reason))
		m.Stop(ctx, v.id, v.reason)
	}
	return len(victims)
}

// Shutdown stops every non-terminal session. Used on process exit.
func (m *Manager) Shutdown(ctx domain.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, lv := range m.sessions {
		if !lv.info.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(ctx, id, "shutdown")
	}
}

func (m *Manager) publishAudit(ctx domain.Context, kind, sessionID string, payload map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Publish(ctx, domain.AuditEvent{
		Kind:      kind,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now().UTC(),
	})
}

func sendFrame(sub *outputSub, frame string) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- frame:
	default:
		// Bounded queue full: drop for this subscriber, the ring keeps
		// the line for catch-up.
	}
}

func formatEvent(event string, payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}
