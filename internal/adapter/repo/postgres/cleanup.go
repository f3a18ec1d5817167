package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService trims terminal sessions and executions past the retention
// horizon. Snapshot retention lives in the monitor service, which owns that
// table through its repository port.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service. Retention defaults to 31 days.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 31
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal rows older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	sessTag, err := s.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE status IN ('completed','failed') AND ended_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.sessions: %w", err)
	}

	execTag, err := s.Pool.Exec(ctx,
		`DELETE FROM executions WHERE status IN ('completed','failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.executions: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_sessions", sessTag.RowsAffected()),
		slog.Int64("deleted_executions", execTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup now and then on the interval until ctx ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
