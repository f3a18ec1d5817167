// Package monitor drives the rate-limit poll job: it fetches provider usage,
// persists snapshots, fires increase-only threshold alerts, derives burn
// rates and limit ETAs, and feeds the admission scheduler.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/service/scheduler"
)

// SnapshotRetention bounds the snapshot table; the daily cleanup deletes
// anything older.
const SnapshotRetention = 31 * 24 * time.Hour

// UnitTokensPerHour and UnitPercentPerHour label consumption rates.
const (
	UnitTokensPerHour  = "tok/hr"
	UnitPercentPerHour = "%/hr"
)

// TickStarter is implemented by fetchers that dedupe shared credentials
// within one poll.
type TickStarter interface {
	BeginTick()
}

// Service owns the monitor config and the threshold-level cache. The cache
// survives across polls so severity decreases stay silent.
type Service struct {
	accounts  domain.AccountRepository
	snapshots domain.SnapshotRepository
	configs   domain.MonitorConfigRepository
	fetcher   domain.UsageFetcher
	sched     *scheduler.Service

	mu           sync.Mutex
	cfg          domain.MonitorConfig
	levels       map[string]domain.ThresholdLevel
	fingerprints map[string]string
	lastErrors   map[string]string
	lastAlerts   []domain.ThresholdAlert
	lastPolledAt *time.Time

	audit domain.AuditPublisher
}

// NewService wires the monitor. Call LoadConfig before the first poll to
// pick up the persisted config.
func NewService(
	accounts domain.AccountRepository,
	snapshots domain.SnapshotRepository,
	configs domain.MonitorConfigRepository,
	fetcher domain.UsageFetcher,
	sched *scheduler.Service,
) *Service {
	return &Service{
		accounts:     accounts,
		snapshots:    snapshots,
		configs:      configs,
		fetcher:      fetcher,
		sched:        sched,
		cfg:          domain.DefaultMonitorConfig(),
		levels:       make(map[string]domain.ThresholdLevel),
		fingerprints: make(map[string]string),
		lastErrors:   make(map[string]string),
	}
}

// SetAudit attaches an audit publisher for threshold alerts.
func (s *Service) SetAudit(a domain.AuditPublisher) { s.audit = a }

// SeedConfig replaces the in-memory config without persisting it. Boot calls
// it with the environment defaults before LoadConfig, so a persisted row
// still wins.
func (s *Service) SeedConfig(cfg domain.MonitorConfig) {
	if err := cfg.Validate(); err != nil {
		slog.Warn("seed monitor config rejected, keeping defaults", slog.Any("error", err))
		return
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]domain.AccountMonitorConfig{}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// LoadConfig replaces the in-memory config with the persisted one. A missing
// row keeps the defaults.
func (s *Service) LoadConfig(ctx domain.Context) error {
	cfg, err := s.configs.Get(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Info("monitor config not persisted yet, using defaults")
			return nil
		}
		return fmt.Errorf("op=monitor.LoadConfig: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Config returns a copy of the active config.
func (s *Service) Config() domain.MonitorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.Accounts = make(map[string]domain.AccountMonitorConfig, len(s.cfg.Accounts))
	for id, ac := range s.cfg.Accounts {
		cfg.Accounts[id] = ac
	}
	return cfg
}

// UpdateConfig validates, persists and swaps the config. The poll job reads
// the interval on every tick, so interval changes apply without restart.
func (s *Service) UpdateConfig(ctx domain.Context, cfg domain.MonitorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]domain.AccountMonitorConfig{}
	}
	if err := s.configs.Put(ctx, cfg); err != nil {
		return fmt.Errorf("op=monitor.UpdateConfig: %w", err)
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("monitor config updated",
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("polling_minutes", cfg.PollingMinutes),
		slog.Int("previous_polling_minutes", old.PollingMinutes),
		slog.Int("safety_margin_minutes", cfg.SafetyMarginMinutes),
		slog.Int("resume_hysteresis_polls", cfg.ResumeHysteresisPolls))
	return nil
}

// PollResult summarizes one poll for the forced-poll endpoint.
type PollResult struct {
	StartedAt      time.Time               `json:"started_at"`
	PolledAccounts int                     `json:"polled_accounts"`
	Snapshots      int                     `json:"snapshots"`
	Alerts         []domain.ThresholdAlert `json:"alerts"`
	Errors         map[string]string       `json:"errors,omitempty"`
	ElapsedMS      int64                   `json:"elapsed_ms"`
}

// Poll runs one monitor tick: fetch usage for every enabled account, persist
// window snapshots, record threshold increases, then hand the worst-window
// verdicts to the scheduler. The enabled flag gates the scheduled job, not
// this method, so the forced-poll endpoint always runs.
func (s *Service) Poll(ctx domain.Context) (PollResult, error) {
	start := time.Now().UTC()
	cfg := s.Config()

	if ts, ok := s.fetcher.(TickStarter); ok {
		ts.BeginTick()
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		observability.MonitorPollsTotal.WithLabelValues("error").Inc()
		return PollResult{}, fmt.Errorf("op=monitor.Poll: %w", err)
	}

	res := PollResult{StartedAt: start, Errors: map[string]string{}}
	var alerts []domain.ThresholdAlert
	verdicts := make(map[string]scheduler.Verdict)
	fingerprints := make(map[string]string)

	for _, acct := range accounts {
		if !cfg.AccountEnabled(acct.ID) {
			continue
		}
		res.PolledAccounts++

		usage, err := s.fetcher.FetchUsage(ctx, acct)
		if err != nil {
			slog.Warn("usage fetch failed",
				slog.String("account_id", acct.ID),
				slog.String("backend", string(acct.Backend)),
				slog.Any("error", err))
			res.Errors[acct.ID] = err.Error()
			continue
		}
		if usage.Fingerprint != "" {
			fingerprints[acct.ID] = usage.Fingerprint
		}

		etas := make([]domain.LimitETA, 0, len(usage.Windows))
		resets := make(map[string]*time.Time, len(usage.Windows))
		for _, w := range usage.Windows {
			level := domain.ThresholdForPercentage(w.Percentage)
			snap := domain.RateLimitSnapshot{
				AccountID:   acct.ID,
				WindowType:  w.Type,
				TokensUsed:  w.TokensUsed,
				TokensLimit: w.TokensLimit,
				Percentage:  w.Percentage,
				Level:       level,
				ResetsAt:    w.ResetsAt,
				RecordedAt:  start,
			}
			if err := s.snapshots.Insert(ctx, snap); err != nil {
				slog.Error("snapshot insert failed",
					slog.String("account_id", acct.ID),
					slog.String("window", w.Type),
					slog.Any("error", err))
			} else {
				res.Snapshots++
			}

			if alert, fired := s.recordLevel(acct, w, level, start); fired {
				alerts = append(alerts, alert)
				observability.ThresholdAlertsTotal.WithLabelValues(string(level)).Inc()
				s.publishAlert(ctx, alert)
			}

			eta, err := s.projectWindow(ctx, acct.ID, w, start)
			if err != nil {
				slog.Error("eta projection failed",
					slog.String("account_id", acct.ID),
					slog.String("window", w.Type),
					slog.Any("error", err))
				eta = domain.LimitETA{Kind: domain.ETANoData, WindowType: w.Type}
			}
			etas = append(etas, eta)
			resets[w.Type] = w.ResetsAt
		}

		worst := domain.WorstETA(etas)
		verdicts[acct.ID] = scheduler.Verdict{ETA: worst, ResetsAt: resets[worst.WindowType]}
	}

	s.sched.EvaluateAll(ctx, verdicts, cfg.SafetyMarginMinutes, cfg.ResumeHysteresisPolls)

	s.mu.Lock()
	s.lastPolledAt = &start
	s.lastAlerts = alerts
	for id, fp := range fingerprints {
		s.fingerprints[id] = fp
	}
	s.lastErrors = res.Errors
	s.mu.Unlock()

	res.Alerts = alerts
	res.ElapsedMS = time.Since(start).Milliseconds()
	observability.MonitorPollsTotal.WithLabelValues("ok").Inc()
	observability.MonitorPollDuration.Observe(time.Since(start).Seconds())
	slog.Info("monitor poll complete",
		slog.Int("accounts", res.PolledAccounts),
		slog.Int("snapshots", res.Snapshots),
		slog.Int("alerts", len(alerts)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// recordLevel updates the threshold cache and reports whether an alert
// fires. Only severity increases alert; decreases update the cache silently
// so the next increase compares against the lower level.
func (s *Service) recordLevel(acct domain.Account, w domain.UsageWindow, level domain.ThresholdLevel, at time.Time) (domain.ThresholdAlert, bool) {
	key := acct.ID + "|" + w.Type
	s.mu.Lock()
	prev, seen := s.levels[key]
	s.levels[key] = level
	s.mu.Unlock()
	if !seen {
		prev = domain.ThresholdNormal
	}
	if level.Rank() <= prev.Rank() {
		return domain.ThresholdAlert{}, false
	}
	slog.Warn("usage threshold crossed",
		slog.String("account_id", acct.ID),
		slog.String("account", acct.Name),
		slog.String("window", w.Type),
		slog.String("from", string(prev)),
		slog.String("to", string(level)),
		slog.Float64("percentage", w.Percentage))
	return domain.ThresholdAlert{
		AccountID:   acct.ID,
		AccountName: acct.Name,
		WindowType:  w.Type,
		From:        prev,
		To:          level,
		Percentage:  w.Percentage,
		At:          at,
	}, true
}

func (s *Service) publishAlert(ctx domain.Context, alert domain.ThresholdAlert) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(ctx, domain.AuditEvent{
		Kind:      "threshold.alert",
		AccountID: alert.AccountID,
		Payload: map[string]any{
			"window_type": alert.WindowType,
			"from":        string(alert.From),
			"to":          string(alert.To),
			"percentage":  alert.Percentage,
		},
		At: alert.At,
	})
}

// ComputeRate derives the burn rate for one lookback. The window is anchored
// at the newest snapshot rather than now, so an account that stopped
// reporting keeps its last observed rate instead of decaying toward zero.
func (s *Service) ComputeRate(ctx domain.Context, accountID, windowType string, lookbackHours int) (domain.ConsumptionRate, error) {
	rate := domain.ConsumptionRate{LookbackHours: lookbackHours, Unit: UnitPercentPerHour}

	latest, err := s.snapshots.LatestPerWindow(ctx, accountID)
	if err != nil {
		return rate, fmt.Errorf("op=monitor.ComputeRate: %w", err)
	}
	var newest *domain.RateLimitSnapshot
	for i := range latest {
		if latest[i].WindowType == windowType {
			newest = &latest[i]
			break
		}
	}
	if newest == nil {
		return rate, nil
	}

	since := newest.RecordedAt.Add(-time.Duration(lookbackHours) * time.Hour)
	rows, err := s.snapshots.ListSince(ctx, accountID, windowType, since)
	if err != nil {
		return rate, fmt.Errorf("op=monitor.ComputeRate: %w", err)
	}
	rate.Samples = len(rows)
	if len(rows) < 2 {
		return rate, nil
	}

	first, last := rows[0], rows[len(rows)-1]
	minutes := last.RecordedAt.Sub(first.RecordedAt).Minutes()
	if minutes <= 0 {
		return rate, nil
	}
	if last.TokensLimit > 0 {
		rate.Unit = UnitTokensPerHour
		rate.PerHour = float64(last.TokensUsed-first.TokensUsed) / minutes * 60
	} else {
		rate.PerHour = (last.Percentage - first.Percentage) / minutes * 60
	}
	return rate, nil
}

// Rates reports the burn rate over every standard lookback.
func (s *Service) Rates(ctx domain.Context, accountID, windowType string) ([]domain.ConsumptionRate, error) {
	out := make([]domain.ConsumptionRate, 0, len(domain.RateLookbackHours))
	for _, hours := range domain.RateLookbackHours {
		r, err := s.ComputeRate(ctx, accountID, windowType, hours)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) projectWindow(ctx domain.Context, accountID string, w domain.UsageWindow, now time.Time) (domain.LimitETA, error) {
	rates, err := s.Rates(ctx, accountID, w.Type)
	if err != nil {
		return domain.LimitETA{}, err
	}
	return projectETA(w, rates, now), nil
}

// projectETA turns one window observation plus its burn rates into a
// projection. The longest lookback with at least two samples wins; shorter
// lookbacks are too noisy to schedule on.
func projectETA(w domain.UsageWindow, rates []domain.ConsumptionRate, now time.Time) domain.LimitETA {
	eta := domain.LimitETA{WindowType: w.Type}

	var remaining float64
	if w.TokensLimit > 0 {
		remaining = float64(w.TokensLimit - w.TokensUsed)
	} else {
		remaining = 100 - w.Percentage
	}
	if remaining <= 0 {
		eta.Kind = domain.ETAAtLimit
		return eta
	}

	var chosen *domain.ConsumptionRate
	for i := len(rates) - 1; i >= 0; i-- {
		if rates[i].Samples >= 2 {
			chosen = &rates[i]
			break
		}
	}
	if chosen == nil {
		eta.Kind = domain.ETANoData
		return eta
	}

	perMinute := chosen.PerHour / 60
	if perMinute <= 0 {
		eta.Kind = domain.ETASafe
		return eta
	}

	minutes := remaining / perMinute
	projected := now.Add(time.Duration(minutes * float64(time.Minute)))
	if w.ResetsAt != nil && !projected.Before(*w.ResetsAt) {
		// The window resets before the projection lands.
		eta.Kind = domain.ETASafe
		return eta
	}
	eta.Kind = domain.ETAProjected
	eta.MinutesRemaining = minutes
	eta.ETA = &projected
	return eta
}

// WindowStatus is one window's latest snapshot enriched with rates and the
// projection derived from them.
type WindowStatus struct {
	WindowType  string                   `json:"window_type"`
	TokensUsed  int64                    `json:"tokens_used,omitempty"`
	TokensLimit int64                    `json:"tokens_limit,omitempty"`
	Percentage  float64                  `json:"percentage"`
	Level       domain.ThresholdLevel    `json:"level"`
	ResetsAt    *time.Time               `json:"resets_at,omitempty"`
	RecordedAt  time.Time                `json:"recorded_at"`
	Rates       []domain.ConsumptionRate `json:"rates"`
	ETA         domain.LimitETA          `json:"eta"`
}

// AccountStatus is the monitoring view of one account.
type AccountStatus struct {
	AccountID   string                 `json:"account_id"`
	AccountName string                 `json:"account_name"`
	Backend     domain.Backend         `json:"backend"`
	Plan        string                 `json:"plan,omitempty"`
	Enabled     bool                   `json:"enabled"`
	NoData      bool                   `json:"no_data,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	SharedWith  []string               `json:"shared_with,omitempty"`
	FetchError  string                 `json:"fetch_error,omitempty"`
	Windows     []WindowStatus         `json:"windows,omitempty"`
	Scheduler   *domain.SchedulerState `json:"scheduler,omitempty"`
}

// Status is the full monitoring report.
type Status struct {
	Enabled        bool                    `json:"enabled"`
	PollingMinutes int                     `json:"polling_minutes"`
	LastPolledAt   *time.Time              `json:"last_polled_at,omitempty"`
	Accounts       []AccountStatus         `json:"accounts"`
	Alerts         []domain.ThresholdAlert `json:"alerts"`
}

// Status assembles the monitoring report: latest snapshot per window with
// rates and ETA, alerts from the last poll, shared-credential peers from the
// fingerprint map, and no-data placeholders for enabled accounts that have
// never produced a snapshot.
func (s *Service) Status(ctx domain.Context) (Status, error) {
	cfg := s.Config()
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("op=monitor.Status: %w", err)
	}

	s.mu.Lock()
	lastPolled := s.lastPolledAt
	alerts := append([]domain.ThresholdAlert(nil), s.lastAlerts...)
	fps := make(map[string]string, len(s.fingerprints))
	for id, fp := range s.fingerprints {
		fps[id] = fp
	}
	fetchErrs := make(map[string]string, len(s.lastErrors))
	for id, msg := range s.lastErrors {
		fetchErrs[id] = msg
	}
	s.mu.Unlock()

	peers := make(map[string][]string)
	for id, fp := range fps {
		peers[fp] = append(peers[fp], id)
	}

	schedStates := make(map[string]domain.SchedulerState)
	for _, st := range s.sched.States() {
		schedStates[st.AccountID] = st
	}

	now := time.Now().UTC()
	out := Status{
		Enabled:        cfg.Enabled,
		PollingMinutes: cfg.PollingMinutes,
		LastPolledAt:   lastPolled,
		Accounts:       make([]AccountStatus, 0, len(accounts)),
		Alerts:         alerts,
	}

	for _, acct := range accounts {
		as := AccountStatus{
			AccountID:   acct.ID,
			AccountName: acct.Name,
			Backend:     acct.Backend,
			Plan:        acct.Plan,
			Enabled:     cfg.AccountEnabled(acct.ID),
			Fingerprint: fps[acct.ID],
			FetchError:  fetchErrs[acct.ID],
		}
		if st, ok := schedStates[acct.ID]; ok {
			cp := st
			as.Scheduler = &cp
		}
		if fp := fps[acct.ID]; fp != "" {
			for _, peer := range peers[fp] {
				if peer != acct.ID {
					as.SharedWith = append(as.SharedWith, peer)
				}
			}
			sort.Strings(as.SharedWith)
		}
		if !as.Enabled {
			out.Accounts = append(out.Accounts, as)
			continue
		}

		latest, err := s.snapshots.LatestPerWindow(ctx, acct.ID)
		if err != nil {
			return Status{}, fmt.Errorf("op=monitor.Status: %w", err)
		}
		if len(latest) == 0 {
			as.NoData = true
			out.Accounts = append(out.Accounts, as)
			continue
		}
		for _, snap := range latest {
			rates, err := s.Rates(ctx, acct.ID, snap.WindowType)
			if err != nil {
				return Status{}, err
			}
			w := domain.UsageWindow{
				Type:        snap.WindowType,
				TokensUsed:  snap.TokensUsed,
				TokensLimit: snap.TokensLimit,
				Percentage:  snap.Percentage,
				ResetsAt:    snap.ResetsAt,
			}
			as.Windows = append(as.Windows, WindowStatus{
				WindowType:  snap.WindowType,
				TokensUsed:  snap.TokensUsed,
				TokensLimit: snap.TokensLimit,
				Percentage:  snap.Percentage,
				Level:       snap.Level,
				ResetsAt:    snap.ResetsAt,
				RecordedAt:  snap.RecordedAt,
				Rates:       rates,
				ETA:         projectETA(w, rates, now),
			})
		}
		sort.Slice(as.Windows, func(i, j int) bool { return as.Windows[i].WindowType < as.Windows[j].WindowType })
		out.Accounts = append(out.Accounts, as)
	}
	return out, nil
}

// LastPolledAt reports when the last poll completed, if any.
func (s *Service) LastPolledAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPolledAt == nil {
		return nil
	}
	t := *s.lastPolledAt
	return &t
}

// CleanupSnapshots enforces the retention window. Runs daily.
func (s *Service) CleanupSnapshots(ctx domain.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-SnapshotRetention)
	n, err := s.snapshots.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=monitor.CleanupSnapshots: %w", err)
	}
	if n > 0 {
		slog.Info("snapshot retention cleanup", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
