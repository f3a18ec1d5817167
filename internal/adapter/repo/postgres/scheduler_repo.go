package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// SchedulerRepo mirrors the in-memory admission states for boot reload.
type SchedulerRepo struct{ Pool PgxPool }

// NewSchedulerRepo constructs a SchedulerRepo with the given pool.
func NewSchedulerRepo(p PgxPool) *SchedulerRepo { return &SchedulerRepo{Pool: p} }

// Upsert writes one account's admission record.
func (r *SchedulerRepo) Upsert(ctx domain.Context, st domain.SchedulerState) error {
	tracer := otel.Tracer("repo.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.Upsert")
	defer span.End()
	q := `INSERT INTO scheduler_states
		(account_id, state, stop_reason, stop_window_type, stop_eta_minutes,
		 resume_estimate, consecutive_safe_polls, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (account_id) DO UPDATE SET
			state=EXCLUDED.state, stop_reason=EXCLUDED.stop_reason,
			stop_window_type=EXCLUDED.stop_window_type,
			stop_eta_minutes=EXCLUDED.stop_eta_minutes,
			resume_estimate=EXCLUDED.resume_estimate,
			consecutive_safe_polls=EXCLUDED.consecutive_safe_polls,
			updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, st.AccountID, st.State, st.StopReason,
		st.StopWindowType, st.StopETAMinutes, st.ResumeEstimate,
		st.ConsecutiveSafePolls, st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=scheduler.upsert: %w", err)
	}
	return nil
}

// List returns every persisted admission record.
func (r *SchedulerRepo) List(ctx domain.Context) ([]domain.SchedulerState, error) {
	tracer := otel.Tracer("repo.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.List")
	defer span.End()
	q := `SELECT account_id, state, stop_reason, stop_window_type, stop_eta_minutes,
		resume_estimate, consecutive_safe_polls, updated_at
		FROM scheduler_states ORDER BY account_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.list: %w", err)
	}
	defer rows.Close()
	var out []domain.SchedulerState
	for rows.Next() {
		var st domain.SchedulerState
		if err := rows.Scan(&st.AccountID, &st.State, &st.StopReason,
			&st.StopWindowType, &st.StopETAMinutes, &st.ResumeEstimate,
			&st.ConsecutiveSafePolls, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=scheduler.list: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scheduler.list: %w", err)
	}
	return out, nil
}
