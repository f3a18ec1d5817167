package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// SessionRepo persists session lifecycle rows.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

const sessionCols = `id, project_id, trigger_id, command, work_dir, worktree_path,
	exec_type, mode, pid, pgid, status, exit_code, created_at, last_activity_at,
	ended_at, idle_timeout_seconds, max_lifetime_seconds`

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx domain.Context, s domain.Session) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	cmd, err := json.Marshal(s.Command)
	if err != nil {
		return fmt.Errorf("op=session.create: marshal command: %w", err)
	}
	q := `INSERT INTO sessions (` + sessionCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = r.Pool.Exec(ctx, q,
		s.ID, s.ProjectID, s.TriggerID, cmd, s.WorkDir, s.WorktreePath,
		s.ExecType, s.Mode, s.PID, s.PGID, s.Status, s.ExitCode,
		s.CreatedAt.UTC(), s.LastActivityAt.UTC(), s.EndedAt,
		int(s.IdleTimeout.Seconds()), int(s.MaxLifetime.Seconds()))
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (r *SessionRepo) Get(ctx domain.Context, id string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE id=$1`
	s, err := scanSession(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.get: %w", err)
	}
	return s, nil
}

// ListActive returns all sessions persisted as active or paused, used by the
// boot reconciler to fail rows whose process died with the previous binary.
func (r *SessionRepo) ListActive(ctx domain.Context) ([]domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ListActive")
	defer span.End()
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE status IN ('active','paused') ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=session.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("op=session.list_active: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=session.list_active: %w", err)
	}
	return out, nil
}

// TouchActivity advances last_activity_at.
func (r *SessionRepo) TouchActivity(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.TouchActivity")
	defer span.End()
	q := `UPDATE sessions SET last_activity_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=session.touch_activity: %w", err)
	}
	return nil
}

// Finish records the terminal status, exit code and end time.
func (r *SessionRepo) Finish(ctx domain.Context, id string, status domain.SessionStatus, exitCode *int, endedAt time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Finish")
	defer span.End()
	q := `UPDATE sessions SET status=$2, exit_code=$3, ended_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, exitCode, endedAt.UTC()); err != nil {
		return fmt.Errorf("op=session.finish: %w", err)
	}
	return nil
}

// SetStatus updates the status only, used for pause and resume.
func (r *SessionRepo) SetStatus(ctx domain.Context, id string, status domain.SessionStatus) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.SetStatus")
	defer span.End()
	q := `UPDATE sessions SET status=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("op=session.set_status: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	var cmd []byte
	var idleSec, lifeSec int
	if err := row.Scan(&s.ID, &s.ProjectID, &s.TriggerID, &cmd, &s.WorkDir,
		&s.WorktreePath, &s.ExecType, &s.Mode, &s.PID, &s.PGID, &s.Status,
		&s.ExitCode, &s.CreatedAt, &s.LastActivityAt, &s.EndedAt,
		&idleSec, &lifeSec); err != nil {
		return domain.Session{}, err
	}
	if len(cmd) > 0 {
		if err := json.Unmarshal(cmd, &s.Command); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal command: %w", err)
		}
	}
	s.IdleTimeout = time.Duration(idleSec) * time.Second
	s.MaxLifetime = time.Duration(lifeSec) * time.Second
	return s, nil
}
