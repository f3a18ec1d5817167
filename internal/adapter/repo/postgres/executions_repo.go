package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// ExecutionRepo persists orchestrated execution attempts.
type ExecutionRepo struct{ Pool PgxPool }

// NewExecutionRepo constructs an ExecutionRepo with the given pool.
func NewExecutionRepo(p PgxPool) *ExecutionRepo { return &ExecutionRepo{Pool: p} }

const executionCols = `id, trigger_id, project_id, session_id, account_id,
	backend, exec_type, status, error, created_at, updated_at`

// Create inserts a new execution row, generating an id when absent.
func (r *ExecutionRepo) Create(ctx domain.Context, e domain.Execution) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Create")
	defer span.End()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	q := `INSERT INTO executions (` + executionCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, e.ID, e.TriggerID, e.ProjectID, e.SessionID,
		e.AccountID, e.Backend, e.ExecType, e.Status, e.Error, e.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("op=execution.create: %w", err)
	}
	return nil
}

// Get loads an execution by id.
func (r *ExecutionRepo) Get(ctx domain.Context, id string) (domain.Execution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Get")
	defer span.End()
	q := `SELECT ` + executionCols + ` FROM executions WHERE id=$1`
	var e domain.Execution
	err := r.Pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.TriggerID, &e.ProjectID,
		&e.SessionID, &e.AccountID, &e.Backend, &e.ExecType, &e.Status,
		&e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, fmt.Errorf("op=execution.get: %w", domain.ErrNotFound)
		}
		return domain.Execution{}, fmt.Errorf("op=execution.get: %w", err)
	}
	return e, nil
}

// SetSession links the attempt to the session it spawned.
func (r *ExecutionRepo) SetSession(ctx domain.Context, id, sessionID string) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.SetSession")
	defer span.End()
	q := `UPDATE executions SET session_id=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=execution.set_session: %w", err)
	}
	return nil
}

// SetStatus updates the attempt's status and optional error message.
func (r *ExecutionRepo) SetStatus(ctx domain.Context, id string, status domain.ExecutionStatus, errMsg string) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.SetStatus")
	defer span.End()
	q := `UPDATE executions SET status=$2, error=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=execution.set_status: %w", err)
	}
	return nil
}

// CompleteBySession closes the running execution tied to a finished session.
// Only rows still marked running change; retried or already-failed attempts
// keep their recorded outcome.
func (r *ExecutionRepo) CompleteBySession(ctx domain.Context, sessionID string, status domain.ExecutionStatus, errMsg string) (int64, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.CompleteBySession")
	defer span.End()
	q := `UPDATE executions SET status=$2, error=$3, updated_at=$4
		WHERE session_id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, sessionID, status, errMsg, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=execution.complete_by_session: %w", err)
	}
	return tag.RowsAffected(), nil
}
