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

// MonitorConfigRepo stores the single-row monitoring config as JSONB. A
// missing row yields the documented defaults.
type MonitorConfigRepo struct{ Pool PgxPool }

// NewMonitorConfigRepo constructs a MonitorConfigRepo with the given pool.
func NewMonitorConfigRepo(p PgxPool) *MonitorConfigRepo { return &MonitorConfigRepo{Pool: p} }

// Get loads the config, falling back to defaults when none was saved yet.
func (r *MonitorConfigRepo) Get(ctx domain.Context) (domain.MonitorConfig, error) {
	tracer := otel.Tracer("repo.monitorconfig")
	ctx, span := tracer.Start(ctx, "monitorconfig.Get")
	defer span.End()
	var raw []byte
	err := r.Pool.QueryRow(ctx, `SELECT config FROM monitor_config WHERE id=1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultMonitorConfig(), nil
		}
		return domain.MonitorConfig{}, fmt.Errorf("op=monitorconfig.get: %w", err)
	}
	var cfg domain.MonitorConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.MonitorConfig{}, fmt.Errorf("op=monitorconfig.get: unmarshal: %w", err)
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]domain.AccountMonitorConfig{}
	}
	return cfg, nil
}

// Put replaces the config.
func (r *MonitorConfigRepo) Put(ctx domain.Context, cfg domain.MonitorConfig) error {
	tracer := otel.Tracer("repo.monitorconfig")
	ctx, span := tracer.Start(ctx, "monitorconfig.Put")
	defer span.End()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("op=monitorconfig.put: marshal: %w", err)
	}
	q := `INSERT INTO monitor_config (id, config, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET config=EXCLUDED.config, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=monitorconfig.put: %w", err)
	}
	return nil
}
