package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-control-plane/internal/service/monitor"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
)

// MonitorJob drives the rate-limit poll. The interval is re-read from the
// monitor config before every tick, so PUT /v1/monitor/config changes apply
// without a restart. A disabled monitor keeps ticking but skips the poll;
// the forced-poll endpoint stays usable either way.
type MonitorJob struct {
	monitor *monitor.Service
}

// NewMonitorJob builds the poll job around the monitor service.
func NewMonitorJob(mon *monitor.Service) *MonitorJob {
	if mon == nil {
		return nil
	}
	return &MonitorJob{monitor: mon}
}

// Run polls until ctx ends.
func (j *MonitorJob) Run(ctx context.Context) {
	if j == nil || j.monitor == nil {
		return
	}

	for {
		timer := time.NewTimer(j.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("monitor poll job stopping")
			return
		case <-timer.C:
			j.pollOnce(ctx)
		}
	}
}

func (j *MonitorJob) interval() time.Duration {
	m := j.monitor.Config().PollingMinutes
	if m <= 0 {
		m = 5
	}
	return time.Duration(m) * time.Minute
}

func (j *MonitorJob) pollOnce(ctx context.Context) {
	if !j.monitor.Config().Enabled {
		return
	}
	tracer := otel.Tracer("monitor.jobs")
	ctx, span := tracer.Start(ctx, "MonitorJob.pollOnce")
	defer span.End()

	res, err := j.monitor.Poll(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("monitor poll failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int("monitor.polled_accounts", res.PolledAccounts),
		attribute.Int("monitor.snapshots", res.Snapshots),
		attribute.Int("monitor.alerts", len(res.Alerts)),
		attribute.Int("monitor.fetch_errors", len(res.Errors)),
	)
}

// LimitSweeper enforces per-session idle and lifetime limits.
type LimitSweeper struct {
	sessions *session.Manager
	interval time.Duration
}

// NewLimitSweeper builds the sweeper. Non-positive intervals default to a
// minute.
func NewLimitSweeper(sessions *session.Manager, interval time.Duration) *LimitSweeper {
	if sessions == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &LimitSweeper{sessions: sessions, interval: interval}
}

// Run sweeps until ctx ends.
func (s *LimitSweeper) Run(ctx context.Context) {
	if s == nil || s.sessions == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session limit sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LimitSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("session.jobs")
	ctx, span := tracer.Start(ctx, "LimitSweeper.sweepOnce")
	defer span.End()

	stopped := s.sessions.CheckResourceLimits(ctx)
	span.SetAttributes(attribute.Int("sessions.stopped", stopped))
	if stopped > 0 {
		slog.Info("limit sweep stopped sessions", slog.Int("stopped", stopped))
	}
}

// RetentionJob prunes rate-limit snapshots past the retention window.
type RetentionJob struct {
	monitor  *monitor.Service
	interval time.Duration
}

// NewRetentionJob builds the snapshot retention job. Non-positive intervals
// default to daily.
func NewRetentionJob(mon *monitor.Service, interval time.Duration) *RetentionJob {
	if mon == nil {
		return nil
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionJob{monitor: mon, interval: interval}
}

// Run prunes until ctx ends.
func (j *RetentionJob) Run(ctx context.Context) {
	if j == nil || j.monitor == nil {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot retention job stopping")
			return
		case <-ticker.C:
			j.cleanOnce(ctx)
		}
	}
}

func (j *RetentionJob) cleanOnce(ctx context.Context) {
	tracer := otel.Tracer("monitor.jobs")
	ctx, span := tracer.Start(ctx, "RetentionJob.cleanOnce")
	defer span.End()

	n, err := j.monitor.CleanupSnapshots(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("snapshot cleanup failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("snapshots.deleted", n))
}
