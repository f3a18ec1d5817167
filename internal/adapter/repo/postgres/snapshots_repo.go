package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// SnapshotRepo appends and reads rate-limit window observations.
type SnapshotRepo struct{ Pool PgxPool }

// NewSnapshotRepo constructs a SnapshotRepo with the given pool.
func NewSnapshotRepo(p PgxPool) *SnapshotRepo { return &SnapshotRepo{Pool: p} }

const snapshotCols = `id, account_id, window_type, tokens_used, tokens_limit,
	percentage, level, resets_at, recorded_at`

// Insert appends one observation.
func (r *SnapshotRepo) Insert(ctx domain.Context, s domain.RateLimitSnapshot) error {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.Insert")
	defer span.End()
	q := `INSERT INTO rate_limit_snapshots
		(account_id, window_type, tokens_used, tokens_limit, percentage, level, resets_at, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, s.AccountID, s.WindowType, s.TokensUsed,
		s.TokensLimit, s.Percentage, s.Level, s.ResetsAt, s.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=snapshot.insert: %w", err)
	}
	return nil
}

// ListSince returns one window's observations recorded at or after since,
// oldest first. Consumption-rate math depends on the ordering.
func (r *SnapshotRepo) ListSince(ctx domain.Context, accountID, windowType string, since time.Time) ([]domain.RateLimitSnapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.ListSince")
	defer span.End()
	q := `SELECT ` + snapshotCols + ` FROM rate_limit_snapshots
		WHERE account_id=$1 AND window_type=$2 AND recorded_at >= $3
		ORDER BY recorded_at ASC`
	return r.querySnapshots(ctx, q, accountID, windowType, since.UTC())
}

// LatestPerWindow returns the newest observation of every window an account
// has reported.
func (r *SnapshotRepo) LatestPerWindow(ctx domain.Context, accountID string) ([]domain.RateLimitSnapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.LatestPerWindow")
	defer span.End()
	q := `SELECT DISTINCT ON (window_type) ` + snapshotCols + `
		FROM rate_limit_snapshots WHERE account_id=$1
		ORDER BY window_type, recorded_at DESC`
	return r.querySnapshots(ctx, q, accountID)
}

// DeleteOlderThan trims the append-only log past the retention horizon and
// returns how many rows went.
func (r *SnapshotRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.DeleteOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM rate_limit_snapshots WHERE recorded_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=snapshot.delete_older: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SnapshotRepo) querySnapshots(ctx domain.Context, q string, args ...any) ([]domain.RateLimitSnapshot, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=snapshot.query: %w", err)
	}
	defer rows.Close()
	var out []domain.RateLimitSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("op=snapshot.query: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=snapshot.query: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (domain.RateLimitSnapshot, error) {
	var s domain.RateLimitSnapshot
	err := row.Scan(&s.ID, &s.AccountID, &s.WindowType, &s.TokensUsed,
		&s.TokensLimit, &s.Percentage, &s.Level, &s.ResetsAt, &s.RecordedAt)
	return s, err
}
