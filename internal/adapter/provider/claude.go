package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// anthropicBetaHeader gates the OAuth usage endpoint.
const anthropicBetaHeader = "oauth-2025-04-20"

// Window keys the usage endpoint reports. Claude is percentage-only:
// tokens_limit stays 0 and utilization maps straight to Percentage.
const (
	claudeWindowFiveHour       = "five_hour"
	claudeWindowSevenDay       = "seven_day"
	claudeWindowSevenDaySonnet = "seven_day_sonnet"
)

type claudeClient struct {
	baseURL string
	hc      *http.Client
}

func newClaudeClient(baseURL string, hc *http.Client) *claudeClient {
	return &claudeClient{baseURL: baseURL, hc: hc}
}

type claudeUsageWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

type claudeUsageResponse struct {
	FiveHour       *claudeUsageWindow `json:"five_hour"`
	SevenDay       *claudeUsageWindow `json:"seven_day"`
	SevenDaySonnet *claudeUsageWindow `json:"seven_day_sonnet"`
}

func (c *claudeClient) fetch(ctx domain.Context, _ domain.Account, cred credentials.Credential) (domain.AccountUsage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/oauth/usage", nil)
	if err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("claude usage request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("anthropic-beta", anthropicBetaHeader)

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("claude usage call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("claude usage read: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("claude usage endpoint rate limited", slog.Int("status", resp.StatusCode))
		return domain.AccountUsage{}, fmt.Errorf("rate limited: 429")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("claude usage status %d: %w", resp.StatusCode, domain.ErrCredentialMissing))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("claude usage status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AccountUsage{}, fmt.Errorf("claude usage status %d", resp.StatusCode)
	}

	var parsed claudeUsageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("claude usage decode: %w", err))
	}

	var windows []domain.UsageWindow
	appendWindow := func(name string, w *claudeUsageWindow) {
		if w == nil {
			return
		}
		windows = append(windows, domain.UsageWindow{
			Type:       name,
			Percentage: w.Utilization,
			ResetsAt:   parseRFC3339(w.ResetsAt),
		})
	}
	appendWindow(claudeWindowFiveHour, parsed.FiveHour)
	appendWindow(claudeWindowSevenDay, parsed.SevenDay)
	appendWindow(claudeWindowSevenDaySonnet, parsed.SevenDaySonnet)

	if len(windows) == 0 {
		return domain.AccountUsage{}, fmt.Errorf("claude usage response had no windows")
	}
	return domain.AccountUsage{Windows: windows}, nil
}

func parseRFC3339(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
