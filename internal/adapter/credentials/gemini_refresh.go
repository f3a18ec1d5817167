package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Well-known OAuth client the Gemini CLI ships with. These are public
// constants embedded in the open-source CLI, not secrets of this service.
const (
	geminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOAuthClientSecret = "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"
	geminiOAuthTokenURL     = "https://oauth2.googleapis.com/token" // #nosec G101 -- endpoint, not a credential
)

type geminiTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// refreshGemini exchanges a refresh token for a fresh access token.
func (r *Resolver) refreshGemini(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", r.opts.GeminiClientID)
	form.Set("client_secret", r.opts.GeminiClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.GeminiTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		slog.Warn("gemini token refresh rejected",
			slog.Int("status", resp.StatusCode), slog.String("body", snippet))
		return "", time.Time{}, fmt.Errorf("refresh status %d", resp.StatusCode)
	}

	var parsed geminiTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("refresh decode: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh returned empty access_token")
	}
	expires := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	slog.Info("gemini token refreshed", slog.Time("expires", expires))
	return parsed.AccessToken, expires, nil
}
