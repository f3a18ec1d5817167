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

// AccountRepo persists provider accounts. Identity for upserts is
// (backend, name) so the seeder can re-run safely.
type AccountRepo struct{ Pool PgxPool }

// NewAccountRepo constructs an AccountRepo with the given pool.
func NewAccountRepo(p PgxPool) *AccountRepo { return &AccountRepo{Pool: p} }

const accountCols = `id, backend, name, email, config_path, key_env_var,
	is_default, plan, rate_limited_until, last_used_at, total_executions, created_at`

// Upsert inserts or updates an account by (backend, name) and returns its id.
// Setting is_default clears the previous default for the backend first; the
// store enforces at most one default per backend.
func (r *AccountRepo) Upsert(ctx domain.Context, a domain.Account) (string, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Upsert")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.IsDefault {
		clearQ := `UPDATE accounts SET is_default=FALSE WHERE backend=$1 AND is_default AND name<>$2`
		if _, err := r.Pool.Exec(ctx, clearQ, a.Backend, a.Name); err != nil {
			return "", fmt.Errorf("op=account.upsert: clear default: %w", err)
		}
	}
	q := `INSERT INTO accounts (` + accountCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (backend, name) DO UPDATE SET
			email=EXCLUDED.email, config_path=EXCLUDED.config_path,
			key_env_var=EXCLUDED.key_env_var, is_default=EXCLUDED.is_default,
			plan=EXCLUDED.plan
		RETURNING id`
	var id string
	err := r.Pool.QueryRow(ctx, q,
		a.ID, a.Backend, a.Name, a.Email, a.ConfigPath, a.KeyEnvVar,
		a.IsDefault, a.Plan, a.RateLimitedUntil, a.LastUsedAt,
		a.TotalExecutions, a.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("op=account.upsert: %w", err)
	}
	return id, nil
}

// Get loads an account by id.
func (r *AccountRepo) Get(ctx domain.Context, id string) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()
	q := `SELECT ` + accountCols + ` FROM accounts WHERE id=$1`
	a, err := scanAccount(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get: %w", err)
	}
	return a, nil
}

// List returns every account, defaults first.
func (r *AccountRepo) List(ctx domain.Context) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.List")
	defer span.End()
	q := `SELECT ` + accountCols + ` FROM accounts ORDER BY backend, is_default DESC, name`
	return r.queryAccounts(ctx, q)
}

// ListAvailable returns accounts of a backend not cooling down at now,
// preferring the default, then the least recently used.
func (r *AccountRepo) ListAvailable(ctx domain.Context, b domain.Backend, now time.Time) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListAvailable")
	defer span.End()
	q := `SELECT ` + accountCols + ` FROM accounts
		WHERE backend=$1 AND (rate_limited_until IS NULL OR rate_limited_until <= $2)
		ORDER BY is_default DESC, last_used_at ASC NULLS FIRST`
	return r.queryAccounts(ctx, q, b, now.UTC())
}

// SetRateLimitedUntil records the cooldown deadline.
func (r *AccountRepo) SetRateLimitedUntil(ctx domain.Context, id string, until time.Time) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.SetRateLimitedUntil")
	defer span.End()
	q := `UPDATE accounts SET rate_limited_until=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, until.UTC()); err != nil {
		return fmt.Errorf("op=account.set_rate_limited: %w", err)
	}
	return nil
}

// MarkUsed bumps last_used_at and the execution counter.
func (r *AccountRepo) MarkUsed(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.MarkUsed")
	defer span.End()
	q := `UPDATE accounts SET last_used_at=$2, total_executions=total_executions+1 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=account.mark_used: %w", err)
	}
	return nil
}

func (r *AccountRepo) queryAccounts(ctx domain.Context, q string, args ...any) ([]domain.Account, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=account.query: %w", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=account.query: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.query: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Backend, &a.Name, &a.Email, &a.ConfigPath,
		&a.KeyEnvVar, &a.IsDefault, &a.Plan, &a.RateLimitedUntil,
		&a.LastUsedAt, &a.TotalExecutions, &a.CreatedAt)
	return a, err
}
