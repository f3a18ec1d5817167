package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// geminiQuotaProject is the fixed project label the CLI quota endpoint
// expects.
const geminiQuotaProject = "cloud-code-assist"

type geminiClient struct {
	baseURL string
	hc      *http.Client
}

func newGeminiClient(baseURL string, hc *http.Client) *geminiClient {
	return &geminiClient{baseURL: baseURL, hc: hc}
}

type geminiBucket struct {
	ModelID           string  `json:"modelId"`
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime"`
	Deprecated        bool    `json:"deprecated"`
}

type geminiQuotaResponse struct {
	Buckets []geminiBucket `json:"buckets"`
}

func (c *geminiClient) fetch(ctx domain.Context, _ domain.Account, cred credentials.Credential) (domain.AccountUsage, error) {
	payload, _ := json.Marshal(map[string]string{"project": geminiQuotaProject})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1internal:retrieveUserQuota", bytes.NewReader(payload))
	if err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("gemini quota request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("gemini quota call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.AccountUsage{}, fmt.Errorf("gemini quota read: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("gemini quota endpoint rate limited", slog.Int("status", resp.StatusCode))
		return domain.AccountUsage{}, fmt.Errorf("rate limited: 429")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("gemini quota status %d: %w", resp.StatusCode, domain.ErrCredentialMissing))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("gemini quota status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AccountUsage{}, fmt.Errorf("gemini quota status %d", resp.StatusCode)
	}

	var parsed geminiQuotaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.AccountUsage{}, backoff.Permanent(fmt.Errorf("gemini quota decode: %w", err))
	}

	windows := geminiWindows(parsed.Buckets)
	if len(windows) == 0 {
		return domain.AccountUsage{}, fmt.Errorf("gemini quota response had no usable buckets")
	}
	return domain.AccountUsage{Windows: windows}, nil
}

var geminiMajorRE = regexp.MustCompile(`(\d+)(?:\.\d+)?`)

// geminiWindows keeps only current-generation buckets: deprecated models and
// models whose major version trails the newest one are dropped, then
// remainingFraction inverts into percent used.
func geminiWindows(buckets []geminiBucket) []domain.UsageWindow {
	type candidate struct {
		bucket geminiBucket
		major  int
	}
	maxMajor := -1
	var kept []candidate
	for _, b := range buckets {
		if b.Deprecated || strings.Contains(strings.ToLower(b.ModelID), "deprecated") {
			continue
		}
		major := -1
		if m := geminiMajorRE.FindStringSubmatch(b.ModelID); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				major = v
			}
		}
		if major > maxMajor {
			maxMajor = major
		}
		kept = append(kept, candidate{bucket: b, major: major})
	}

	var windows []domain.UsageWindow
	for _, c := range kept {
		if c.major < maxMajor {
			continue
		}
		pct := (1 - c.bucket.RemainingFraction) * 100
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		windows = append(windows, domain.UsageWindow{
			Type:       c.bucket.ModelID,
			Percentage: pct,
			ResetsAt:   parseRFC3339(c.bucket.ResetTime),
		})
	}
	return windows
}
