// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// DefaultCooldown applies when a rate-limit signal carries no retry-after.
const DefaultCooldown = 60 * time.Second

// SchedulerGate is the admission surface the orchestrator consults per chain
// entry. Satisfied by scheduler.Service.
type SchedulerGate interface {
	Eligible(accountID string) (bool, domain.SchedulerState)
	MarkRunning(ctx domain.Context, accountID string)
	MarkCompleted(ctx domain.Context, accountID string)
}

// EnvOverlayFunc renders the KEY=VALUE env overlay for an account. Wired to
// the credentials adapter in app.
type EnvOverlayFunc func(ctx domain.Context, acct domain.Account) ([]string, error)

// Orchestrator walks the fallback chain for a trigger until one attempt
// sticks. Per-attempt failures collapse into a single success-or-exhaustion
// return.
type Orchestrator struct {
	Accounts   domain.AccountRepository
	Executions domain.ExecutionRepository
	Chains     domain.ChainRepository
	Budget     domain.BudgetChecker
	Scheduler  SchedulerGate
	Runner     domain.ExecutionRunner
	EnvOverlay EnvOverlayFunc
	Audit      domain.AuditPublisher
	// Cooldown is the fallback cooldown for rate-limit signals without a
	// retry-after. Zero means DefaultCooldown.
	Cooldown time.Duration
}

// NewOrchestrator constructs an Orchestrator with its dependencies.
func NewOrchestrator(
	accounts domain.AccountRepository,
	executions domain.ExecutionRepository,
	chains domain.ChainRepository,
	budget domain.BudgetChecker,
	sched SchedulerGate,
	runner domain.ExecutionRunner,
	overlay EnvOverlayFunc,
	audit domain.AuditPublisher,
) *Orchestrator {
	return &Orchestrator{
		Accounts:   accounts,
		Executions: executions,
		Chains:     chains,
		Budget:     budget,
		Scheduler:  sched,
		Runner:     runner,
		EnvOverlay: overlay,
		Audit:      audit,
	}
}

// ExecuteParams describes one trigger request. An inline Chain wins over the
// stored per-trigger chain; with neither, Backend/AccountID select the
// direct path.
type ExecuteParams struct {
	TriggerID    string
	ProjectID    string
	Command      []string
	WorkDir      string
	WorktreePath string
	ExecType     domain.ExecutionType
	Mode         domain.ExecutionMode
	Chain        []domain.ChainEntry
	Backend      domain.Backend
	AccountID    string

	MaxIterations     int
	CompletionPromise string
	TaskDescription   string
	TeamName          string
}

// Execute runs the fallback chain and returns the execution row of the
// attempt that succeeded.
func (s *Orchestrator) Execute(ctx domain.Context, p ExecuteParams) (domain.Execution, error) {
	if p.TriggerID == "" {
		return domain.Execution{}, fmt.Errorf("%w: trigger_id required", domain.ErrInvalidArgument)
	}
	if len(p.Command) == 0 {
		return domain.Execution{}, fmt.Errorf("%w: command required", domain.ErrInvalidArgument)
	}
	if p.ExecType == "" {
		p.ExecType = domain.ExecTypeDirect
	}
	if !p.ExecType.Valid() {
		return domain.Execution{}, fmt.Errorf("%w: execution type %q", domain.ErrInvalidArgument, p.ExecType)
	}
	if p.Mode == "" {
		p.Mode = domain.ModeAutonomous
	}

	chain, err := s.resolveChain(ctx, p)
	if err != nil {
		return domain.Execution{}, err
	}

	decision, err := s.Budget.Check(ctx, p.TriggerID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("op=usecase.Execute budget check: %w", err)
	}
	if !decision.Allowed {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrBudgetExceeded, decision.Reason)
	}
	if decision.SoftExceeded {
		slog.Warn("soft budget limit exceeded, proceeding",
			slog.String("trigger_id", p.TriggerID),
			slog.String("reason", decision.Reason))
	}

	for i, entry := range chain {
		now := time.Now().UTC()
		acct, skipReason := s.selectAccount(ctx, entry, now)
		if skipReason != "" {
			slog.Info("chain entry skipped",
				slog.String("trigger_id", p.TriggerID),
				slog.Int("entry", i),
				slog.String("backend", string(entry.Backend)),
				slog.String("reason", skipReason))
			continue
		}

		env, err := s.EnvOverlay(ctx, acct)
		if err != nil {
			slog.Warn("env overlay failed, skipping entry",
				slog.String("trigger_id", p.TriggerID),
				slog.String("account_id", acct.ID),
				slog.Any("error", err))
			continue
		}

		exec := domain.Execution{
			ID:        uuid.NewString(),
			TriggerID: p.TriggerID,
			ProjectID: p.ProjectID,
			AccountID: acct.ID,
			Backend:   acct.Backend,
			ExecType:  p.ExecType,
			Status:    domain.ExecutionRunning,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Executions.Create(ctx, exec); err != nil {
			return domain.Execution{}, fmt.Errorf("op=usecase.Execute: %w", err)
		}

		res, runErr := s.runAttempt(ctx, p, acct, env, exec.ID)

		rateLimited := res.RateLimited || errors.Is(runErr, domain.ErrRateLimited)
		if rateLimited {
			cooldown := res.Cooldown
			if cooldown <= 0 {
				cooldown = s.cooldown()
			}
			s.rotate(ctx, p.TriggerID, acct, exec.ID, cooldown)
			continue
		}
		if runErr != nil {
			observability.ObserveExecution(string(acct.Backend), "error")
			if err := s.Executions.SetStatus(ctx, exec.ID, domain.ExecutionFailed, runErr.Error()); err != nil {
				slog.Error("execution status update failed", slog.String("execution_id", exec.ID), slog.Any("error", err))
			}
			slog.Warn("chain entry failed",
				slog.String("trigger_id", p.TriggerID),
				slog.String("account_id", acct.ID),
				slog.Any("error", runErr))
			continue
		}

		if err := s.Executions.SetSession(ctx, exec.ID, res.SessionID); err != nil {
			slog.Error("execution session link failed", slog.String("execution_id", exec.ID), slog.Any("error", err))
		}
		if err := s.Accounts.MarkUsed(ctx, acct.ID, time.Now().UTC()); err != nil {
			slog.Error("account usage bump failed", slog.String("account_id", acct.ID), slog.Any("error", err))
		}
		observability.ObserveExecution(string(acct.Backend), "ok")
		s.publishAudit(ctx, domain.AuditEvent{
			Kind:      "execution.dispatched",
			SessionID: res.SessionID,
			AccountID: acct.ID,
			Payload:   map[string]any{"execution_id": exec.ID, "trigger_id": p.TriggerID, "backend": string(acct.Backend)},
			At:        time.Now().UTC(),
		})
		exec.SessionID = res.SessionID
		slog.Info("execution dispatched",
			slog.String("execution_id", exec.ID),
			slog.String("session_id", res.SessionID),
			slog.String("account_id", acct.ID),
			slog.String("backend", string(acct.Backend)),
			slog.Int("chain_entry", i))
		return exec, nil
	}

	return domain.Execution{}, fmt.Errorf("op=usecase.Execute trigger %s: %w", p.TriggerID, domain.ErrChainExhausted)
}

// resolveChain prefers the inline chain, then the stored one, then a
// synthesized single entry for the direct back-compat path.
func (s *Orchestrator) resolveChain(ctx domain.Context, p ExecuteParams) ([]domain.ChainEntry, error) {
	if len(p.Chain) > 0 {
		for _, e := range p.Chain {
			if !e.Backend.Valid() {
				return nil, fmt.Errorf("%w: chain backend %q", domain.ErrInvalidArgument, e.Backend)
			}
		}
		return p.Chain, nil
	}
	stored, err := s.Chains.Get(ctx, p.TriggerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("op=usecase.Execute: %w", err)
	}
	if len(stored) > 0 {
		return stored, nil
	}
	if !p.Backend.Valid() {
		return nil, fmt.Errorf("%w: no chain configured and backend %q unknown", domain.ErrInvalidArgument, p.Backend)
	}
	entry := domain.ChainEntry{Backend: p.Backend}
	if p.AccountID != "" {
		id := p.AccountID
		entry.AccountID = &id
	}
	return []domain.ChainEntry{entry}, nil
}

// selectAccount resolves one chain entry to an account, or a non-empty skip
// reason. Scheduler eligibility is checked per entry, not as a blanket
// pre-check.
func (s *Orchestrator) selectAccount(ctx domain.Context, entry domain.ChainEntry, now time.Time) (domain.Account, string) {
	if entry.AccountID != nil {
		if ok, st := s.Scheduler.Eligible(*entry.AccountID); !ok {
			return domain.Account{}, "scheduler_stopped:" + string(st.StopReason)
		}
		acct, err := s.Accounts.Get(ctx, *entry.AccountID)
		if err != nil {
			return domain.Account{}, "account_lookup_failed"
		}
		if entry.Backend != "" && acct.Backend != entry.Backend {
			return domain.Account{}, "backend_mismatch"
		}
		if acct.RateLimitedAt(now) {
			return domain.Account{}, "rate_limit_cooldown"
		}
		return acct, ""
	}

	avail, err := s.Accounts.ListAvailable(ctx, entry.Backend, now)
	if err != nil {
		slog.Error("account listing failed", slog.String("backend", string(entry.Backend)), slog.Any("error", err))
		return domain.Account{}, "account_lookup_failed"
	}
	for _, acct := range avail {
		if ok, _ := s.Scheduler.Eligible(acct.ID); ok {
			return acct, ""
		}
	}
	return domain.Account{}, "no_available_account"
}

// runAttempt brackets the runner call with the scheduler lifecycle hooks;
// mark_completed always runs.
func (s *Orchestrator) runAttempt(ctx domain.Context, p ExecuteParams, acct domain.Account, env []string, execID string) (domain.ExecutionResult, error) {
	s.Scheduler.MarkRunning(ctx, acct.ID)
	defer s.Scheduler.MarkCompleted(ctx, acct.ID)

	return s.Runner.Run(ctx, domain.ExecutionRequest{
		ExecutionID:       execID,
		TriggerID:         p.TriggerID,
		ProjectID:         p.ProjectID,
		Backend:           acct.Backend,
		Account:           acct,
		ExecType:          p.ExecType,
		Mode:              p.Mode,
		Command:           p.Command,
		WorkDir:           p.WorkDir,
		WorktreePath:      p.WorktreePath,
		Env:               env,
		MaxIterations:     p.MaxIterations,
		CompletionPromise: p.CompletionPromise,
		TaskDescription:   p.TaskDescription,
		TeamName:          p.TeamName,
	})
}

// rotate marks the account's cooldown and records the failed attempt before
// the loop moves to the next entry.
func (s *Orchestrator) rotate(ctx domain.Context, triggerID string, acct domain.Account, execID string, cooldown time.Duration) {
	until := time.Now().UTC().Add(cooldown)
	if err := s.Accounts.SetRateLimitedUntil(ctx, acct.ID, until); err != nil {
		slog.Error("cooldown persist failed", slog.String("account_id", acct.ID), slog.Any("error", err))
	}
	if err := s.Executions.SetStatus(ctx, execID, domain.ExecutionFailed, fmt.Sprintf("rate limited, cooldown %s", cooldown)); err != nil {
		slog.Error("execution status update failed", slog.String("execution_id", execID), slog.Any("error", err))
	}
	observability.ChainRotationsTotal.Inc()
	observability.ObserveExecution(string(acct.Backend), "rate_limited")
	s.publishAudit(ctx, domain.AuditEvent{
		Kind:      "chain.rotated",
		AccountID: acct.ID,
		Payload:   map[string]any{"trigger_id": triggerID, "cooldown_seconds": int(cooldown.Seconds()), "until": until.Format(time.RFC3339)},
		At:        time.Now().UTC(),
	})
	slog.Warn("account rate limited, rotating chain",
		slog.String("trigger_id", triggerID),
		slog.String("account_id", acct.ID),
		slog.Duration("cooldown", cooldown),
		slog.Time("until", until))
}

func (s *Orchestrator) cooldown() time.Duration {
	if s.Cooldown > 0 {
		return s.Cooldown
	}
	return DefaultCooldown
}

func (s *Orchestrator) publishAudit(ctx domain.Context, ev domain.AuditEvent) {
	if s.Audit == nil {
		return
	}
	s.Audit.Publish(ctx, ev)
}
