// Command server starts the agent control plane HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/provider"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/stream"
	"github.com/fairyhunter13/agent-control-plane/internal/app"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/internal/service/execution"
	"github.com/fairyhunter13/agent-control-plane/internal/service/monitor"
	"github.com/fairyhunter13/agent-control-plane/internal/service/scheduler"
	"github.com/fairyhunter13/agent-control-plane/internal/service/session"
	"github.com/fairyhunter13/agent-control-plane/internal/service/statechan"
	"github.com/fairyhunter13/agent-control-plane/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, session, and monitor instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool + boot DDL
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

	// Repositories
	sessionRepo := postgres.NewSessionRepo(pool)
	accountRepo := postgres.NewAccountRepo(pool)
	snapshotRepo := postgres.NewSnapshotRepo(pool)
	schedulerRepo := postgres.NewSchedulerRepo(pool)
	monitorCfgRepo := postgres.NewMonitorConfigRepo(pool)
	executionRepo := postgres.NewExecutionRepo(pool)
	chainRepo := postgres.NewChainRepo(pool)

	// Audit publisher (Redpanda). Without brokers everything still runs,
	// events are just dropped.
	var audit domain.AuditPublisher = redpanda.NopPublisher{}
	if cfg.AuditEnabled() {
		pub, err := redpanda.NewPublisher(ctx, cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			slog.Error("audit publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				slog.Error("failed to close audit publisher", slog.Any("error", err))
			}
		}()
		audit = pub
	} else {
		slog.Info("audit publisher disabled, no brokers configured")
	}

	// Credential resolution and per-vendor usage clients
	resolver := credentials.NewResolver(credentials.Options{
		ClaudeDir: cfg.ClaudeConfigDir,
		CodexDir:  cfg.CodexConfigDir,
		GeminiDir: cfg.GeminiConfigDir,
	})
	maxElapsed, initial, maxInterval, multiplier := cfg.GetUsageBackoffConfig()
	registry := provider.NewRegistry(resolver, provider.Options{
		BackoffMaxElapsed: maxElapsed,
		BackoffInitial:    initial,
		BackoffMax:        maxInterval,
		BackoffMultiplier: multiplier,
		CodexStatusProbe:  cfg.CodexStatusProbe,
	})

	// Admission scheduler, reloaded from the store so stopped accounts
	// stay stopped across restarts.
	sched := scheduler.New(schedulerRepo)
	sched.SetAudit(audit)
	if err := sched.LoadFromStore(ctx); err != nil {
		slog.Error("scheduler state load failed", slog.Any("error", err))
	}

	// Rate-limit monitor; env defaults seed the config, a persisted row wins.
	mon := monitor.NewService(accountRepo, snapshotRepo, monitorCfgRepo, registry, sched)
	mon.SetAudit(audit)
	mon.SeedConfig(domain.MonitorConfig{
		Enabled:               cfg.MonitorEnabled,
		PollingMinutes:        cfg.MonitorPollMinutes,
		SafetyMarginMinutes:   cfg.MonitorSafetyMarginMin,
		ResumeHysteresisPolls: cfg.MonitorHysteresisPolls,
	})
	if err := mon.LoadConfig(ctx); err != nil {
		slog.Error("monitor config load failed", slog.Any("error", err))
	}

	// PTY session manager; the exit hook closes the execution row behind
	// the session.
	manager := session.NewManager(sessionRepo, audit, session.Options{
		RingLines: cfg.SessionRingLines,
		QueueSize: cfg.SubscriberQueueSize,
		OnExit: func(ctx domain.Context, sess domain.Session) {
			status := domain.ExecutionCompleted
			if sess.Status == domain.SessionFailed {
				status = domain.ExecutionFailed
			}
			n, err := executionRepo.CompleteBySession(ctx, sess.ID, status, "")
			if err != nil {
				slog.Error("execution completion failed",
					slog.String("session_id", sess.ID), slog.Any("error", err))
				return
			}
			if n > 0 {
				audit.Publish(ctx, domain.AuditEvent{
					Kind:      "execution.completed",
					SessionID: sess.ID,
					Payload:   map[string]any{"status": string(status)},
					At:        time.Now().UTC(),
				})
			}
		},
	})
	if n, err := manager.ReconcileDeadSessions(ctx); err != nil {
		slog.Error("dead session reconcile failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("dead sessions reconciled", slog.Int("sessions", n))
	}

	// Versioned state channel
	hub := statechan.NewHub(cfg.EventLogMax, cfg.SubscriberQueueSize)

	// Execution handlers + fallback orchestrator
	runner := execution.NewService(manager, hub, execution.Options{
		DetectWindow:             cfg.ExecDetectWindow,
		RalphPollInterval:        cfg.RalphPollInterval,
		RalphNoProgressThreshold: cfg.RalphNoProgressThreshold,
		RalphOutputProgress:      cfg.RalphOutputProgress,
		RalphPluginDir:           cfg.RalphPluginDir,
		TeamsEnabled:             cfg.TeamsEnabled,
		TeamStateDir:             cfg.TeamStateDir,
		TeamPollFallback:         cfg.TeamPollFallback,
	})
	orch := usecase.NewOrchestrator(
		accountRepo, executionRepo, chainRepo,
		domain.NoopBudget{}, sched, runner,
		resolver.EnvOverlay, audit,
	)
	orch.Cooldown = cfg.DefaultCooldown

	// Conversation streaming gateway
	gateway := stream.NewGateway(stream.Options{
		ProxyBaseURL:  cfg.LocalProxyBaseURL,
		ProxyAPIKey:   cfg.LocalProxyAPIKey,
		ProxyProbeURL: cfg.LocalProxyProbeURL,
		DefaultModel:  cfg.DefaultChatModel,
		HTTPTimeout:   cfg.StreamHTTPTimeout,
		CLITimeout:    cfg.StreamCLITimeout,
	})

	// Background jobs
	go app.NewMonitorJob(mon).Run(ctx)
	go app.NewLimitSweeper(manager, cfg.LimitSweepInterval).Run(ctx)
	go app.NewRetentionJob(mon, cfg.SnapshotCleanupInterval).Run(ctx)
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// HTTP server
	srv := httpserver.NewServer(cfg, orch, manager, hub, gateway, mon, sched,
		accountRepo, executionRepo, app.BuildDBCheck(pool))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)
}
