package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrCredentialMissing = errors.New("credential missing")
	ErrChainExhausted    = errors.New("fallback chain exhausted")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrUnavailable       = errors.New("unavailable")
	ErrInternal          = errors.New("internal error")
)

// Backend enumerates the agent CLIs the control plane can drive.
type Backend string

const (
	BackendClaude   Backend = "claude"
	BackendCodex    Backend = "codex"
	BackendGemini   Backend = "gemini"
	BackendOpenCode Backend = "opencode"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendClaude, BackendCodex, BackendGemini, BackendOpenCode:
		return true
	}
	return false
}

// ParseBackend converts a request string into a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(s)
	if !b.Valid() {
		return "", fmt.Errorf("backend %q: %w", s, ErrInvalidArgument)
	}
	return b, nil
}

// ExecutionType selects the handler that drives a session.
type ExecutionType string

const (
	ExecTypeDirect    ExecutionType = "direct"
	ExecTypeRalphLoop ExecutionType = "ralph_loop"
	ExecTypeTeamSpawn ExecutionType = "team_spawn"
)

// Valid reports whether t is a known execution type.
func (t ExecutionType) Valid() bool {
	switch t {
	case ExecTypeDirect, ExecTypeRalphLoop, ExecTypeTeamSpawn:
		return true
	}
	return false
}

// ExecutionMode distinguishes unattended runs from user-driven ones.
type ExecutionMode string

const (
	ModeAutonomous  ExecutionMode = "autonomous"
	ModeInteractive ExecutionMode = "interactive"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is the persisted record of one PTY session. The live PTY, ring
// buffer and subscriber plumbing stay in memory; this row exists so a
// restarted process can reconcile orphans.
type Session struct {
	ID             string
	ProjectID      string
	TriggerID      string
	Command        []string
	WorkDir        string
	WorktreePath   string
	ExecType       ExecutionType
	Mode           ExecutionMode
	PID            int
	PGID           int
	Status         SessionStatus
	ExitCode       *int
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

const (
	DefaultIdleTimeout = 3600 * time.Second
	DefaultMaxLifetime = 14400 * time.Second
)

// Account is one provider account the scheduler admits work against.
// Invariant: at most one default per backend.
type Account struct {
	ID               string
	Backend          Backend
	Name             string
	Email            string
	ConfigPath       string
	KeyEnvVar        string
	IsDefault        bool
	Plan             string
	RateLimitedUntil *time.Time
	LastUsedAt       *time.Time
	TotalExecutions  int64
	CreatedAt        time.Time
}

// RateLimitedAt reports whether the account is cooling down at t.
func (a Account) RateLimitedAt(t time.Time) bool {
	return a.RateLimitedUntil != nil && a.RateLimitedUntil.After(t)
}

// ChainEntry is one step of a fallback chain. A nil AccountID means
// auto-select the best available account for the backend.
type ChainEntry struct {
	Backend   Backend
	AccountID *string
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution records one orchestrated attempt that got as far as a session.
type Execution struct {
	ID        string
	TriggerID string
	ProjectID string
	SessionID string
	AccountID string
	Backend   Backend
	ExecType  ExecutionType
	Status    ExecutionStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionRequest is the per-attempt contract between the orchestrator and
// the execution handlers.
type ExecutionRequest struct {
	ExecutionID  string
	TriggerID    string
	ProjectID    string
	Backend      Backend
	Account      Account
	ExecType     ExecutionType
	Mode         ExecutionMode
	Command      []string
	WorkDir      string
	WorktreePath string
	// Env is the KEY=VALUE overlay applied on top of the process env.
	Env []string

	// ralph_loop prompt inputs.
	MaxIterations     int
	CompletionPromise string
	TaskDescription   string

	// team_spawn.
	TeamName string
}

// ExecutionResult reports one attempt. A rate-limited attempt is not an
// error; the orchestrator rotates to the next chain entry.
type ExecutionResult struct {
	SessionID   string
	PID         int
	RateLimited bool
	// Cooldown is the extracted retry-after; zero means use the default.
	Cooldown time.Duration
}

// ExecutionRunner starts the backend CLI for one attempt. Implemented by the
// execution-handler registry.
type ExecutionRunner interface {
	Run(ctx Context, req ExecutionRequest) (ExecutionResult, error)
}

// Repositories (ports)

type SessionRepository interface {
	Create(ctx Context, s Session) error
	Get(ctx Context, id string) (Session, error)
	ListActive(ctx Context) ([]Session, error)
	TouchActivity(ctx Context, id string, at time.Time) error
	Finish(ctx Context, id string, status SessionStatus, exitCode *int, endedAt time.Time) error
	SetStatus(ctx Context, id string, status SessionStatus) error
}

type AccountRepository interface {
	Upsert(ctx Context, a Account) (string, error)
	Get(ctx Context, id string) (Account, error)
	List(ctx Context) ([]Account, error)
	// ListAvailable returns non-rate-limited accounts for a backend ordered
	// by is_default DESC, last_used_at ASC.
	ListAvailable(ctx Context, b Backend, now time.Time) ([]Account, error)
	SetRateLimitedUntil(ctx Context, id string, until time.Time) error
	MarkUsed(ctx Context, id string, at time.Time) error
}

type ExecutionRepository interface {
	Create(ctx Context, e Execution) error
	Get(ctx Context, id string) (Execution, error)
	SetSession(ctx Context, id, sessionID string) error
	SetStatus(ctx Context, id string, status ExecutionStatus, errMsg string) error
	// CompleteBySession closes the running execution linked to a session and
	// reports how many rows changed (zero for sessions without one).
	CompleteBySession(ctx Context, sessionID string, status ExecutionStatus, errMsg string) (int64, error)
}

// ChainRepository stores the default fallback chain per trigger. Requests may
// still carry an inline chain, which wins.
type ChainRepository interface {
	Put(ctx Context, triggerID string, entries []ChainEntry) error
	Get(ctx Context, triggerID string) ([]ChainEntry, error)
}

// AuditEvent is a fire-and-forget lifecycle notification for the audit topic.
type AuditEvent struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// AuditPublisher publishes lifecycle events. Implementations must never
// block the caller on broker unavailability.
type AuditPublisher interface {
	Publish(ctx Context, ev AuditEvent)
}

// BudgetDecision is the pre-execution budget verdict: hard limits block,
// soft limits warn and proceed.
type BudgetDecision struct {
	Allowed      bool
	SoftExceeded bool
	Reason       string
}

// BudgetChecker is the external budget policy. When no service is wired,
// use NoopBudget.
type BudgetChecker interface {
	Check(ctx Context, triggerID string) (BudgetDecision, error)
}

// NoopBudget allows everything.
type NoopBudget struct{}

func (NoopBudget) Check(Context, string) (BudgetDecision, error) {
	return BudgetDecision{Allowed: true}, nil
}

// Context aliases std context so domain signatures stay short; adapters and
// services pass context.Context straight through.
type Context = context.Context
