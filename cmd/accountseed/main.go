// Command accountseed loads the bootstrap YAML and upserts its accounts and
// fallback chains into the store. Safe to re-run: accounts are keyed by
// (backend, name) and chains are replaced per trigger.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	file := flag.String("file", cfg.BootstrapFile, "bootstrap YAML path")
	flag.Parse()

	if *file == "" {
		slog.Error("no bootstrap file configured")
		os.Exit(1)
	}

	b, err := config.LoadBootstrap(*file)
	if err != nil {
		slog.Error("bootstrap load failed", slog.String("file", *file), slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	accounts := postgres.NewAccountRepo(pool)
	chains := postgres.NewChainRepo(pool)

	ids := make(map[string]string, len(b.Accounts))
	for _, a := range b.Accounts {
		backend, err := domain.ParseBackend(a.Backend)
		if err != nil {
			slog.Error("bootstrap account rejected",
				slog.String("name", a.Name), slog.Any("error", err))
			os.Exit(1)
		}
		id, err := accounts.Upsert(ctx, domain.Account{
			Backend:    backend,
			Name:       a.Name,
			Email:      a.Email,
			ConfigPath: a.ConfigPath,
			KeyEnvVar:  a.KeyEnvVar,
			IsDefault:  a.Default,
			Plan:       a.Plan,
		})
		if err != nil {
			slog.Error("account upsert failed",
				slog.String("name", a.Name), slog.Any("error", err))
			os.Exit(1)
		}
		ids[a.Name] = id
		slog.Info("account seeded",
			slog.String("name", a.Name),
			slog.String("backend", string(backend)),
			slog.String("id", id))
	}

	for _, ch := range b.Chains {
		entries := make([]domain.ChainEntry, 0, len(ch.Entries))
		for _, e := range ch.Entries {
			backend, err := domain.ParseBackend(e.Backend)
			if err != nil {
				slog.Error("bootstrap chain rejected",
					slog.String("trigger", ch.Trigger), slog.Any("error", err))
				os.Exit(1)
			}
			entry := domain.ChainEntry{Backend: backend}
			if e.Account != "" {
				id := ids[e.Account]
				entry.AccountID = &id
			}
			entries = append(entries, entry)
		}
		if err := chains.Put(ctx, ch.Trigger, entries); err != nil {
			slog.Error("chain seed failed",
				slog.String("trigger", ch.Trigger), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("chain seeded",
			slog.String("trigger", ch.Trigger), slog.Int("entries", len(entries)))
	}

	slog.Info("bootstrap complete",
		slog.Int("accounts", len(b.Accounts)), slog.Int("chains", len(b.Chains)))
}
