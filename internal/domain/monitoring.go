// Package domain defines the entities shared by the monitor, the admission
// scheduler and their adapters.
package domain

import (
	"fmt"
	"time"
)

// ThresholdLevel buckets window utilization for alerting.
type ThresholdLevel string

const (
	ThresholdNormal   ThresholdLevel = "normal"
	ThresholdInfo     ThresholdLevel = "info"
	ThresholdWarning  ThresholdLevel = "warning"
	ThresholdCritical ThresholdLevel = "critical"
)

// ThresholdForPercentage classifies utilization at the 50/75/90 cutoffs.
func ThresholdForPercentage(pct float64) ThresholdLevel {
	switch {
	case pct >= 90:
		return ThresholdCritical
	case pct >= 75:
		return ThresholdWarning
	case pct >= 50:
		return ThresholdInfo
	default:
		return ThresholdNormal
	}
}

// Rank orders levels by severity; alerts fire only on increases.
func (l ThresholdLevel) Rank() int {
	switch l {
	case ThresholdInfo:
		return 1
	case ThresholdWarning:
		return 2
	case ThresholdCritical:
		return 3
	default:
		return 0
	}
}

// UsageWindow is one provider-reported rate-limit bucket. TokensLimit == 0
// means the provider only reports percentages.
type UsageWindow struct {
	Type        string
	TokensUsed  int64
	TokensLimit int64
	Percentage  float64
	ResetsAt    *time.Time
}

// AccountUsage is the result of one provider usage fetch. Fingerprint is a
// short hash of the credential the fetch used; accounts sharing a credential
// share a fingerprint.
type AccountUsage struct {
	Windows     []UsageWindow
	Plan        string
	Fingerprint string
	FetchedAt   time.Time
}

// UsageFetcher retrieves current window utilization for an account.
type UsageFetcher interface {
	FetchUsage(ctx Context, acct Account) (AccountUsage, error)
}

// RateLimitSnapshot is one append-only observation of a window.
type RateLimitSnapshot struct {
	ID          int64
	AccountID   string
	WindowType  string
	TokensUsed  int64
	TokensLimit int64
	Percentage  float64
	Level       ThresholdLevel
	ResetsAt    *time.Time
	RecordedAt  time.Time
}

// ConsumptionRate is a moving-average burn rate over one lookback.
type ConsumptionRate struct {
	LookbackHours int     `json:"lookback_hours"`
	PerHour       float64 `json:"per_hour"`
	// Unit is "tok/hr" for token-counting windows, "%/hr" otherwise.
	Unit    string `json:"unit"`
	Samples int    `json:"samples"`
}

// RateLookbackHours are the reporting lookbacks, shortest first.
var RateLookbackHours = []int{24, 48, 72, 96, 120}

// ETAKind classifies a window's projected path to exhaustion.
type ETAKind string

const (
	ETAAtLimit   ETAKind = "at_limit"
	ETAProjected ETAKind = "projected"
	ETASafe      ETAKind = "safe"
	ETANoData    ETAKind = "no_data"
)

// LimitETA is the projection for one window.
type LimitETA struct {
	Kind             ETAKind    `json:"kind"`
	WindowType       string     `json:"window_type"`
	MinutesRemaining float64    `json:"minutes_remaining"`
	ETA              *time.Time `json:"eta,omitempty"`
}

func etaRank(k ETAKind) int {
	switch k {
	case ETAAtLimit:
		return 3
	case ETAProjected:
		return 2
	case ETASafe:
		return 1
	default: // no_data
		return 0
	}
}

// WorseThan orders ETAs by urgency: at_limit > projected > safe > no_data,
// and among projected the smaller minutes-remaining wins.
func (e LimitETA) WorseThan(o LimitETA) bool {
	if etaRank(e.Kind) != etaRank(o.Kind) {
		return etaRank(e.Kind) > etaRank(o.Kind)
	}
	if e.Kind == ETAProjected {
		return e.MinutesRemaining < o.MinutesRemaining
	}
	return false
}

// WorstETA picks the most conservative projection from a set.
func WorstETA(etas []LimitETA) LimitETA {
	worst := LimitETA{Kind: ETANoData}
	for _, e := range etas {
		if e.WorseThan(worst) {
			worst = e
		}
	}
	return worst
}

// ThresholdAlert records one severity increase observed by a poll.
type ThresholdAlert struct {
	AccountID   string         `json:"account_id"`
	AccountName string         `json:"account_name"`
	WindowType  string         `json:"window_type"`
	From        ThresholdLevel `json:"from"`
	To          ThresholdLevel `json:"to"`
	Percentage  float64        `json:"percentage"`
	At          time.Time      `json:"at"`
}

// SchedulerAccountState is the admission state machine's node.
type SchedulerAccountState string

const (
	SchedQueued  SchedulerAccountState = "queued"
	SchedRunning SchedulerAccountState = "running"
	SchedStopped SchedulerAccountState = "stopped"
)

// StopReason explains why the scheduler stopped an account.
type StopReason string

const (
	StopAtLimit          StopReason = "at_limit"
	StopApproachingLimit StopReason = "approaching_limit"
)

// SchedulerState is the per-account admission record. The in-memory map is
// authoritative; the store mirror exists only for boot reload.
type SchedulerState struct {
	AccountID            string                `json:"account_id"`
	State                SchedulerAccountState `json:"state"`
	StopReason           StopReason            `json:"stop_reason,omitempty"`
	StopWindowType       string                `json:"stop_window_type,omitempty"`
	StopETAMinutes       float64               `json:"stop_eta_minutes,omitempty"`
	ResumeEstimate       *time.Time            `json:"resume_estimate,omitempty"`
	ConsecutiveSafePolls int                   `json:"consecutive_safe_polls"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// MonitorConfig drives the rate-limit poll job.
type MonitorConfig struct {
	Enabled               bool                            `json:"enabled"`
	PollingMinutes        int                             `json:"polling_minutes"`
	SafetyMarginMinutes   int                             `json:"safety_margin_minutes"`
	ResumeHysteresisPolls int                             `json:"resume_hysteresis_polls"`
	Accounts              map[string]AccountMonitorConfig `json:"accounts"`
}

// AccountMonitorConfig is the per-account override.
type AccountMonitorConfig struct {
	Enabled bool `json:"enabled"`
}

// AllowedPollingMinutes are the only accepted poll intervals.
var AllowedPollingMinutes = []int{1, 5, 15, 30, 60}

// DefaultMonitorConfig matches the documented defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:               true,
		PollingMinutes:        5,
		SafetyMarginMinutes:   5,
		ResumeHysteresisPolls: 2,
		Accounts:              map[string]AccountMonitorConfig{},
	}
}

// Validate rejects configs before they reach the monitor.
func (c MonitorConfig) Validate() error {
	ok := false
	for _, m := range AllowedPollingMinutes {
		if c.PollingMinutes == m {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("polling_minutes %d not in {1,5,15,30,60}: %w", c.PollingMinutes, ErrInvalidArgument)
	}
	if c.SafetyMarginMinutes < 0 {
		return fmt.Errorf("safety_margin_minutes %d negative: %w", c.SafetyMarginMinutes, ErrInvalidArgument)
	}
	if c.ResumeHysteresisPolls < 1 {
		return fmt.Errorf("resume_hysteresis_polls %d below 1: %w", c.ResumeHysteresisPolls, ErrInvalidArgument)
	}
	return nil
}

// AccountEnabled honors the per-account override, defaulting to enabled.
func (c MonitorConfig) AccountEnabled(accountID string) bool {
	if ac, ok := c.Accounts[accountID]; ok {
		return ac.Enabled
	}
	return true
}

// Monitoring ports.

type SnapshotRepository interface {
	Insert(ctx Context, s RateLimitSnapshot) error
	// ListSince returns snapshots for one window recorded at or after since,
	// oldest first.
	ListSince(ctx Context, accountID, windowType string, since time.Time) ([]RateLimitSnapshot, error)
	// LatestPerWindow returns the newest snapshot of every window of an
	// account.
	LatestPerWindow(ctx Context, accountID string) ([]RateLimitSnapshot, error)
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

type SchedulerRepository interface {
	Upsert(ctx Context, st SchedulerState) error
	List(ctx Context) ([]SchedulerState, error)
}

type MonitorConfigRepository interface {
	Get(ctx Context) (MonitorConfig, error)
	Put(ctx Context, cfg MonitorConfig) error
}
