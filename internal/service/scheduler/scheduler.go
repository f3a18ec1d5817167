// Package scheduler is the per-account admission state machine: accounts are
// queued, running, or stopped, driven by rate-limit ETAs with hysteresis on
// resume.
package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// fallbackResumeBump is the resume estimate when neither a provider reset
// nor an ETA is known.
const fallbackResumeBump = 5 * time.Minute

// Verdict is one account's worst-window projection for an evaluation pass.
type Verdict struct {
	ETA domain.LimitETA
	// ResetsAt is the provider reset of the window behind the ETA.
	ResetsAt *time.Time
}

// Service holds the in-memory state map, mirrored to the store on every
// change. Updates always flow memory-first.
type Service struct {
	mu     sync.Mutex
	states map[string]*domain.SchedulerState
	repo   domain.SchedulerRepository
	audit  domain.AuditPublisher
}

// New builds an empty scheduler. Call LoadFromStore before first use to
// survive restarts.
func New(repo domain.SchedulerRepository) *Service {
	return &Service{
		states: make(map[string]*domain.SchedulerState),
		repo:   repo,
	}
}

// SetAudit attaches an audit publisher for stop/resume transitions.
func (s *Service) SetAudit(a domain.AuditPublisher) { s.audit = a }

func (s *Service) publishAudit(ctx domain.Context, kind, accountID string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(ctx, domain.AuditEvent{
		Kind:      kind,
		AccountID: accountID,
		Payload:   payload,
		At:        time.Now().UTC(),
	})
}

// LoadFromStore replaces the in-memory map with the persisted one.
func (s *Service) LoadFromStore(ctx domain.Context) error {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*domain.SchedulerState, len(rows))
	for i := range rows {
		st := rows[i]
		s.states[st.AccountID] = &st
	}
	slog.Info("scheduler state reloaded", slog.Int("accounts", len(rows)))
	return nil
}

func (s *Service) ensureLocked(accountID string) *domain.SchedulerState {
	st, ok := s.states[accountID]
	if !ok {
		st = &domain.SchedulerState{
			AccountID: accountID,
			State:     domain.SchedQueued,
			UpdatedAt: time.Now().UTC(),
		}
		s.states[accountID] = st
	}
	return st
}

// EvaluateAll applies one monitor tick's verdicts. Accounts at their limit
// stop immediately; accounts projected to hit a limit inside the safety
// margin stop pre-emptively; everything else feeds the resume hysteresis.
func (s *Service) EvaluateAll(ctx domain.Context, verdicts map[string]Verdict, safetyMarginMinutes, hysteresisPolls int) {
	for accountID, v := range verdicts {
		switch {
		case v.ETA.Kind == domain.ETAAtLimit:
			s.stop(ctx, accountID, domain.StopAtLimit, v.ETA.WindowType, 0, v.ResetsAt)
		case v.ETA.Kind == domain.ETAProjected && v.ETA.MinutesRemaining < float64(safetyMarginMinutes):
			s.stop(ctx, accountID, domain.StopApproachingLimit, v.ETA.WindowType, v.ETA.MinutesRemaining, v.ResetsAt)
		default:
			s.maybeResume(ctx, accountID, hysteresisPolls)
		}
	}
}

func (s *Service) stop(ctx domain.Context, accountID string, reason domain.StopReason, windowType string, etaMinutes float64, resetsAt *time.Time) {
	now := time.Now().UTC()
	s.mu.Lock()
	st := s.ensureLocked(accountID)
	entering := st.State != domain.SchedStopped
	if entering {
		observability.SchedulerTransitionsTotal.WithLabelValues(string(st.State), string(domain.SchedStopped)).Inc()
		st.ResumeEstimate = resumeEstimate(now, etaMinutes, resetsAt)
	}
	st.State = domain.SchedStopped
	st.StopReason = reason
	st.StopWindowType = windowType
	st.StopETAMinutes = etaMinutes
	st.ConsecutiveSafePolls = 0
	st.UpdatedAt = now
	snapshot := *st
	s.mu.Unlock()

	if entering {
		slog.Warn("account stopped by scheduler",
			slog.String("account_id", accountID),
			slog.String("reason", string(reason)),
			slog.String("window", windowType),
			slog.Float64("eta_minutes", etaMinutes))
		payload := map[string]any{
			"reason":      string(reason),
			"window_type": windowType,
			"eta_minutes": etaMinutes,
		}
		if snapshot.ResumeEstimate != nil {
			payload["resume_estimate"] = snapshot.ResumeEstimate.Format(time.RFC3339)
		}
		s.publishAudit(ctx, "scheduler.stopped", accountID, payload)
	}
	s.persist(ctx, snapshot)
}

// resumeEstimate prefers the provider reset, then the projection, then a
// conservative bump.
func resumeEstimate(now time.Time, etaMinutes float64, resetsAt *time.Time) *time.Time {
	if resetsAt != nil && resetsAt.After(now) {
		t := resetsAt.UTC()
		return &t
	}
	if etaMinutes > 0 {
		m := etaMinutes
		if m < 1 {
			m = 1
		}
		t := now.Add(time.Duration(m * float64(time.Minute)))
		return &t
	}
	t := now.Add(fallbackResumeBump)
	return &t
}

func (s *Service) maybeResume(ctx domain.Context, accountID string, hysteresisPolls int) {
	if hysteresisPolls <= 0 {
		hysteresisPolls = 1
	}
	now := time.Now().UTC()
	s.mu.Lock()
	st := s.ensureLocked(accountID)
	if st.State != domain.SchedStopped {
		s.mu.Unlock()
		return
	}
	st.ConsecutiveSafePolls++
	resumed := st.ConsecutiveSafePolls >= hysteresisPolls
	if resumed {
		observability.SchedulerTransitionsTotal.WithLabelValues(string(domain.SchedStopped), string(domain.SchedQueued)).Inc()
		st.State = domain.SchedQueued
		st.StopReason = ""
		st.StopWindowType = ""
		st.StopETAMinutes = 0
		st.ResumeEstimate = nil
		st.ConsecutiveSafePolls = 0
	}
	st.UpdatedAt = now
	snapshot := *st
	s.mu.Unlock()

	if resumed {
		slog.Info("account resumed by scheduler",
			slog.String("account_id", accountID),
			slog.Int("hysteresis_polls", hysteresisPolls))
		s.publishAudit(ctx, "scheduler.resumed", accountID, map[string]any{
			"hysteresis_polls": hysteresisPolls,
		})
	}
	s.persist(ctx, snapshot)
}

// MarkRunning records an execution start. Stopped always wins: a stopped
// account stays stopped no matter what the execution path believes.
func (s *Service) MarkRunning(ctx domain.Context, accountID string) {
	now := time.Now().UTC()
	s.mu.Lock()
	st := s.ensureLocked(accountID)
	if st.State == domain.SchedStopped {
		s.mu.Unlock()
		slog.Debug("mark_running ignored for stopped account", slog.String("account_id", accountID))
		return
	}
	if st.State != domain.SchedRunning {
		observability.SchedulerTransitionsTotal.WithLabelValues(string(st.State), string(domain.SchedRunning)).Inc()
	}
	st.State = domain.SchedRunning
	st.UpdatedAt = now
	snapshot := *st
	s.mu.Unlock()
	s.persist(ctx, snapshot)
}

// MarkCompleted records an execution end. A concurrent evaluation may have
// flipped the account to stopped; that state is preserved.
func (s *Service) MarkCompleted(ctx domain.Context, accountID string) {
	now := time.Now().UTC()
	s.mu.Lock()
	st := s.ensureLocked(accountID)
	if st.State == domain.SchedStopped {
		s.mu.Unlock()
		return
	}
	if st.State != domain.SchedQueued {
		observability.SchedulerTransitionsTotal.WithLabelValues(string(st.State), string(domain.SchedQueued)).Inc()
	}
	st.State = domain.SchedQueued
	st.UpdatedAt = now
	snapshot := *st
	s.mu.Unlock()
	s.persist(ctx, snapshot)
}

// Eligible reports whether the fallback loop may use the account, plus the
// current state for skip diagnostics. Unknown accounts are eligible.
func (s *Service) Eligible(accountID string) (bool, domain.SchedulerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[accountID]
	if !ok {
		return true, domain.SchedulerState{AccountID: accountID, State: domain.SchedQueued}
	}
	return st.State != domain.SchedStopped, *st
}

// States snapshots every account's admission record, sorted by account id.
func (s *Service) States() []domain.SchedulerState {
	s.mu.Lock()
	out := make([]domain.SchedulerState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (s *Service) persist(ctx domain.Context, st domain.SchedulerState) {
	if err := s.repo.Upsert(ctx, st); err != nil {
		slog.Error("scheduler state persist failed",
			slog.String("account_id", st.AccountID), slog.Any("error", err))
	}
}
