package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/pty"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
	"github.com/fairyhunter13/agent-control-plane/pkg/termtext"
)

// Codex window names. The usage endpoint reports a primary (5h) and a
// secondary (weekly) window.
const (
	codexWindowPrimary   = "primary"
	codexWindowSecondary = "secondary"
)

type codexProbeConfig struct {
	enabled bool
	binary  string
	timeout time.Duration
}

type codexClient struct {
	baseURL string
	hc      *http.Client
	probe   codexProbeConfig

	// driveFn is swappable in tests; the default runs the CLI under a PTY.
	driveFn func(ctx domain.Context, spec pty.DriveSpec) (string, error)
}

func newCodexClient(baseURL string, hc *http.Client, probe codexProbeConfig) *codexClient {
	return &codexClient{baseURL: baseURL, hc: hc, probe: probe, driveFn: pty.Drive}
}

type codexWindow struct {
	UsedPercent float64 `json:"used_percent"`
	// ResetAt is epoch seconds.
	ResetAt int64 `json:"reset_at"`
}

type codexRateLimit struct {
	PrimaryWindow   *codexWindow `json:"primary_window"`
	SecondaryWindow *codexWindow `json:"secondary_window"`
}

type codexAdditionalLimit struct {
	Name      string         `json:"name"`
	RateLimit codexRateLimit `json:"rate_limit"`
}

type codexUsageResponse struct {
	RateLimit            codexRateLimit         `json:"rate_limit"`
	AdditionalRateLimits []codexAdditionalLimit `json:"additional_rate_limits"`
	PlanType             string                 `json:"plan_type"`
}

// fetch prefers the interactive /status probe for accounts on the default
// Codex config — it reports the same percentages without burning an API
// call — and falls back to the usage endpoint.
func (c *codexClient) fetch(ctx domain.Context, acct domain.Account, cred credentials.Credential) (domain.AccountUsage, error) {
	if c.probe.enabled && acct.ConfigPath == "" {
		if usage, err := c.fetchViaProbe(ctx); err == nil {
			return usage, nil
		} else {
			slog.Debug("codex status probe failed, falling back to usage endpoint",
				slog.Any("error", err))
		}
	}
	return c.fetchViaHTTP(ctx, acct, cred)
}

func (c *codexClient) fetchViaHTTP(ctx domain.Context, acct domain.Account, cred credentials.Credential) (domain.AccountUsage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/backend-api/wham/usage", nil)
	if err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("codex usage request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if cred.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", cred.AccountID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("codex usage call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("codex usage read: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("codex usage endpoint rate limited", slog.Int("status", resp.StatusCode))
		return domain.AccountUsage{}, fmt.Errorf("rate limited: 429")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("codex usage status %d: %w", resp.StatusCode, domain.ErrCredentialMissing))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("codex usage status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AccountUsage{}, fmt.Errorf("codex usage status %d", resp.StatusCode)
	}

	var parsed codexUsageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("codex usage decode: %w", err))
	}

	var windows []domain.UsageWindow
	appendWindow := func(name string, w *codexWindow) {
		if w == nil {
			return
		}
		uw := domain.UsageWindow{Type: name, Percentage: w.UsedPercent}
		if w.ResetAt > 0 {
			t := time.Unix(w.ResetAt, 0).UTC()
			uw.ResetsAt = &t
		}
		windows = append(windows, uw)
	}
	appendWindow(codexWindowPrimary, parsed.RateLimit.PrimaryWindow)
	appendWindow(codexWindowSecondary, parsed.RateLimit.SecondaryWindow)

	// Per-model buckets apply only when the stored plan label matches the
	// server's plan; mismatches mean the extra limits belong to some other
	// tier and would poison threshold math.
	if parsed.PlanType != "" && strings.EqualFold(acct.Plan, parsed.PlanType) {
		for _, extra := range parsed.AdditionalRateLimits {
			name := extra.Name
			if name == "" {
				name = "additional"
			}
			appendWindow(name, extra.RateLimit.PrimaryWindow)
			if extra.RateLimit.SecondaryWindow != nil {
				appendWindow(name+"_secondary", extra.RateLimit.SecondaryWindow)
			}
		}
	}

	if len(windows) == 0 {
		return domain.AccountUsage{}, fmt.Errorf("codex usage response had no windows")
	}
	return domain.AccountUsage{Windows: windows, Plan: parsed.PlanType}, nil
}

func (c *codexClient) fetchViaProbe(ctx domain.Context) (domain.AccountUsage, error) {
	out, err := c.driveFn(ctx, pty.DriveSpec{
		Argv:    []string{c.probe.binary},
		Lines:   []string{"/status"},
		Settle:  3 * time.Second,
		Quiet:   1500 * time.Millisecond,
		Timeout: c.probe.timeout,
	})
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("codex probe: %w", err)
	}
	windows := parseCodexStatus(out)
	if len(windows) == 0 {
		return domain.AccountUsage{}, fmt.Errorf("codex probe: no limit lines in output")
	}
	return domain.AccountUsage{Windows: windows}, nil
}

var (
	codexLimitLineRE = regexp.MustCompile(`(?i)^\s*(.{1,40}?)\s*limit[:\s][^%]*?(\d+(?:\.\d+)?)\s*%`)
	codexResetClock  = regexp.MustCompile(`(?i)resets\s+(?:at\s+)?(\d{1,2}):(\d{2})`)
	codexResetRel    = regexp.MustCompile(`(?i)resets\s+in\s+(?:(\d+)\s*d)?\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*m)?`)
)

// parseCodexStatus extracts labeled percentages from /status TUI output.
// Labels containing "5h" map to the primary window and "week" to the
// secondary one, matching the usage endpoint's naming.
func parseCodexStatus(text string) []domain.UsageWindow {
	var windows []domain.UsageWindow
	now := time.Now()
	for _, line := range strings.Split(termtext.StripANSI(text), "\n") {
		m := codexLimitLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pct, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(m[1]))
		name := codexWindowName(label)
		windows = append(windows, domain.UsageWindow{
			Type:       name,
			Percentage: pct,
			ResetsAt:   parseCodexReset(line, now),
		})
	}
	return windows
}

func codexWindowName(label string) string {
	switch {
	case strings.Contains(label, "5h"):
		return codexWindowPrimary
	case strings.Contains(label, "week"):
		return codexWindowSecondary
	default:
		return strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
	}
}

func parseCodexReset(line string, now time.Time) *time.Time {
	if m := codexResetClock.FindStringSubmatch(line); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh < 24 && mm < 60 {
			t := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
			if !t.After(now) {
				t = t.Add(24 * time.Hour)
			}
			t = t.UTC()
			return &t
		}
	}
	if m := codexResetRel.FindStringSubmatch(line); m != nil && (m[1] != "" || m[2] != "" || m[3] != "") {
		days, _ := strconv.Atoi(m[1])
		hours, _ := strconv.Atoi(m[2])
		mins, _ := strconv.Atoi(m[3])
		t := now.Add(time.Duration(days)*24*time.Hour +
			time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute).UTC()
		return &t
	}
	return nil
}
