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

// ChainRepo stores the default fallback chain per trigger as JSONB.
type ChainRepo struct{ Pool PgxPool }

// NewChainRepo constructs a ChainRepo with the given pool.
func NewChainRepo(p PgxPool) *ChainRepo { return &ChainRepo{Pool: p} }

type chainEntryRow struct {
	Backend   string  `json:"backend"`
	AccountID *string `json:"account_id,omitempty"`
}

// Put replaces the chain for a trigger.
func (r *ChainRepo) Put(ctx domain.Context, triggerID string, entries []domain.ChainEntry) error {
	tracer := otel.Tracer("repo.chains")
	ctx, span := tracer.Start(ctx, "chains.Put")
	defer span.End()
	rows := make([]chainEntryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, chainEntryRow{Backend: string(e.Backend), AccountID: e.AccountID})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("op=chain.put: marshal: %w", err)
	}
	q := `INSERT INTO fallback_chains (trigger_id, entries, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (trigger_id) DO UPDATE SET entries=EXCLUDED.entries, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, triggerID, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=chain.put: %w", err)
	}
	return nil
}

// Get loads the chain for a trigger.
func (r *ChainRepo) Get(ctx domain.Context, triggerID string) ([]domain.ChainEntry, error) {
	tracer := otel.Tracer("repo.chains")
	ctx, span := tracer.Start(ctx, "chains.Get")
	defer span.End()
	var raw []byte
	err := r.Pool.QueryRow(ctx, `SELECT entries FROM fallback_chains WHERE trigger_id=$1`, triggerID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=chain.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=chain.get: %w", err)
	}
	var rows []chainEntryRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("op=chain.get: unmarshal: %w", err)
	}
	out := make([]domain.ChainEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ChainEntry{Backend: domain.Backend(row.Backend), AccountID: row.AccountID})
	}
	return out, nil
}
