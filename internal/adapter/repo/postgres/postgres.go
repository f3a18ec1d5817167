// Package postgres persists the control plane's durable state: sessions,
// accounts, rate-limit snapshots, scheduler states, monitoring config,
// executions and fallback chains. In-memory services own the hot state;
// these rows exist for boot reconciliation and reporting.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the minimal subset of pgxpool the repos use, kept narrow so
// tests can stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
