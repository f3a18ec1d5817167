package config

import (
	"testing"
	"time"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SessionRingLines != 10000 {
		t.Fatalf("expected ring default 10000, got %d", cfg.SessionRingLines)
	}
	if cfg.SessionIdleTimeout != 3600*time.Second {
		t.Fatalf("expected idle timeout 3600s, got %v", cfg.SessionIdleTimeout)
	}
	if cfg.SessionMaxLifetime != 14400*time.Second {
		t.Fatalf("expected max lifetime 14400s, got %v", cfg.SessionMaxLifetime)
	}
	if cfg.EventLogMax != 1000 {
		t.Fatalf("expected event log cap 1000, got %d", cfg.EventLogMax)
	}
	if cfg.MonitorPollMinutes != 5 {
		t.Fatalf("expected poll minutes 5, got %d", cfg.MonitorPollMinutes)
	}
	if cfg.MonitorHysteresisPolls != 2 {
		t.Fatalf("expected hysteresis 2, got %d", cfg.MonitorHysteresisPolls)
	}
	if cfg.SnapshotRetentionDays != 31 {
		t.Fatalf("expected retention 31 days, got %d", cfg.SnapshotRetentionDays)
	}
	if cfg.DefaultCooldown != 60*time.Second {
		t.Fatalf("expected default cooldown 60s, got %v", cfg.DefaultCooldown)
	}
	if cfg.StreamHTTPTimeout != 120*time.Second {
		t.Fatalf("expected stream timeout 120s, got %v", cfg.StreamHTTPTimeout)
	}
	if cfg.AuditEnabled() {
		t.Fatalf("expected audit disabled without brokers")
	}
}

func Test_Load_EnvModes(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("KAFKA_BROKERS", "localhost:19092,localhost:29092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false")
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("brokers not parsed: %+v", cfg.KafkaBrokers)
	}
	if !cfg.AuditEnabled() {
		t.Fatalf("expected audit enabled with brokers")
	}
}

func Test_Load_BadDuration(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "bad")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func Test_GetUsageBackoffConfig_TestMode(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	maxElapsed, initial, maxIval, mult := cfg.GetUsageBackoffConfig()
	if maxElapsed >= cfg.UsageBackoffMaxElapsedTime {
		t.Fatalf("expected shortened max elapsed in test mode, got %v", maxElapsed)
	}
	if initial >= time.Second || maxIval >= time.Second {
		t.Fatalf("expected sub-second intervals in test mode, got %v/%v", initial, maxIval)
	}
	if mult != 2.0 {
		t.Fatalf("expected multiplier 2.0, got %v", mult)
	}
}
