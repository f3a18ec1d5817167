// Package credentials resolves provider OAuth tokens and API keys from the
// credential files the vendor CLIs maintain on disk, with a macOS Keychain
// fallback where the vendor uses one.
package credentials

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// File names the vendor CLIs write inside their config directories.
const (
	claudeCredentialFile = ".credentials.json"
	codexCredentialFile  = "auth.json"
	geminiCredentialFile = "oauth_creds.json"
)

// claudeKeychainService is the generic-password service Claude Code uses on
// macOS. Non-default config dirs get a path-hash suffix.
const claudeKeychainService = "Claude Code-credentials"

// geminiExpiryMargin refreshes tokens slightly before their recorded expiry.
const geminiExpiryMargin = time.Minute

// Credential is a resolved provider credential.
type Credential struct {
	Token     string
	AccountID string
	Plan      string
	// Source records where the token came from: file, keychain, env, or
	// refresh.
	Source string
}

// Fingerprint returns a short stable hash of the token, used to deduplicate
// usage fetches across accounts sharing one credential.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// Options configure a Resolver. Directories default to the vendor CLI
// locations under the user's home.
type Options struct {
	ClaudeDir string
	CodexDir  string
	GeminiDir string

	// GeminiClientID and GeminiClientSecret are the well-known OAuth
	// client values embedded in the Gemini CLI; overridable for tests.
	GeminiClientID     string
	GeminiClientSecret string
	GeminiTokenURL     string

	HTTPTimeout time.Duration
}

// Resolver reads credential files, falls back to the macOS Keychain for
// Claude, and refreshes expired Gemini tokens in memory. Credential files
// are never written.
type Resolver struct {
	opts Options
	hc   *http.Client

	// keychain is swappable in tests; the default shells out to
	// /usr/bin/security.
	keychain func(ctx context.Context, service string) (string, error)

	mu          sync.Mutex
	geminiCache map[string]refreshedToken
}

type refreshedToken struct {
	token   string
	expires time.Time
}

// NewResolver builds a resolver. Empty directories default to ~/.claude,
// ~/.codex, and ~/.gemini.
func NewResolver(opts Options) *Resolver {
	if opts.ClaudeDir == "" {
		opts.ClaudeDir = "~/.claude"
	}
	if opts.CodexDir == "" {
		opts.CodexDir = "~/.codex"
	}
	if opts.GeminiDir == "" {
		opts.GeminiDir = "~/.gemini"
	}
	if opts.GeminiClientID == "" {
		opts.GeminiClientID = geminiOAuthClientID
	}
	if opts.GeminiClientSecret == "" {
		opts.GeminiClientSecret = geminiOAuthClientSecret
	}
	if opts.GeminiTokenURL == "" {
		opts.GeminiTokenURL = geminiOAuthTokenURL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return &Resolver{
		opts:        opts,
		hc:          &http.Client{Timeout: opts.HTTPTimeout},
		keychain:    securityFindGenericPassword,
		geminiCache: make(map[string]refreshedToken),
	}
}

// Resolve returns the credential for an account. Accounts with a config path
// override read from that directory; accounts with a key env var read the
// environment instead of disk.
func (r *Resolver) Resolve(ctx context.Context, acct domain.Account) (Credential, error) {
	if acct.KeyEnvVar != "" {
		v := os.Getenv(acct.KeyEnvVar)
		if v == "" {
			return Credential{}, fmt.Errorf("op=credentials.Resolve: env %s empty: %w", acct.KeyEnvVar, domain.ErrCredentialMissing)
		}
		return Credential{Token: v, Plan: acct.Plan, Source: "env"}, nil
	}

	switch acct.Backend {
	case domain.BackendClaude:
		return r.resolveClaude(ctx, acct)
	case domain.BackendCodex:
		return r.resolveCodex(acct)
	case domain.BackendGemini:
		return r.resolveGemini(ctx, acct)
	case domain.BackendOpenCode:
		// OpenCode rides the local proxy; its key comes from the env
		// var handled above or from server config, never from disk.
		return Credential{}, fmt.Errorf("op=credentials.Resolve: opencode accounts need key_env_var: %w", domain.ErrCredentialMissing)
	default:
		return Credential{}, fmt.Errorf("op=credentials.Resolve: backend %q: %w", acct.Backend, domain.ErrInvalidArgument)
	}
}

// configDir picks the account override or the provider default, expanded.
func (r *Resolver) configDir(acct domain.Account, def string) string {
	dir := def
	if acct.ConfigPath != "" {
		dir = acct.ConfigPath
	}
	return ExpandPath(dir)
}

// EnvOverlay builds the environment entries that point a spawned CLI at this
// account's credentials: the key variable for env-keyed accounts (resolved so
// the child sees the token even when the server's own env differs) and the
// backend's config-dir variable when the account overrides the directory.
// File-based credentials are read by the CLI itself, so they are not
// validated here.
func (r *Resolver) EnvOverlay(ctx context.Context, acct domain.Account) ([]string, error) {
	var env []string
	if acct.KeyEnvVar != "" {
		cred, err := r.Resolve(ctx, acct)
		if err != nil {
			return nil, fmt.Errorf("op=credentials.EnvOverlay: %w", err)
		}
		env = append(env, acct.KeyEnvVar+"="+cred.Token)
	}
	if acct.ConfigPath != "" {
		if dirVar := configDirEnvVar(acct.Backend); dirVar != "" {
			env = append(env, dirVar+"="+ExpandPath(acct.ConfigPath))
		}
	}
	return env, nil
}

// configDirEnvVar names the variable each vendor CLI honors for a
// non-default config directory.
func configDirEnvVar(b domain.Backend) string {
	switch b {
	case domain.BackendClaude:
		return "CLAUDE_CONFIG_DIR"
	case domain.BackendCodex:
		return "CODEX_HOME"
	case domain.BackendGemini:
		return "GEMINI_CONFIG_DIR"
	case domain.BackendOpenCode:
		return "OPENCODE_CONFIG"
	default:
		return ""
	}
}

type claudeCredentialJSON struct {
	ClaudeAiOauth struct {
		AccessToken      string `json:"accessToken"`
		RefreshToken     string `json:"refreshToken"`
		ExpiresAt        int64  `json:"expiresAt"`
		SubscriptionType string `json:"subscriptionType"`
	} `json:"claudeAiOauth"`
}

func (r *Resolver) resolveClaude(ctx context.Context, acct domain.Account) (Credential, error) {
	dir := r.configDir(acct, r.opts.ClaudeDir)
	path := filepath.Join(dir, claudeCredentialFile)

	raw, err := os.ReadFile(path) // #nosec G304 -- path derives from operator-supplied config
	if err == nil {
		var parsed claudeCredentialJSON
		if jerr := json.Unmarshal(raw, &parsed); jerr == nil && parsed.ClaudeAiOauth.AccessToken != "" {
			plan := acct.Plan
			if plan == "" {
				plan = parsed.ClaudeAiOauth.SubscriptionType
			}
			return Credential{Token: parsed.ClaudeAiOauth.AccessToken, Plan: plan, Source: "file"}, nil
		}
	}

	// File missing or unreadable: on macOS the CLI may have stored the
	// blob in the Keychain instead.
	if runtime.GOOS == "darwin" {
		service := claudeKeychainService
		if acct.ConfigPath != "" {
			service = service + "-" + pathHash(dir)
		}
		blob, kerr := r.keychain(ctx, service)
		if kerr == nil && blob != "" {
			var parsed claudeCredentialJSON
			if jerr := json.Unmarshal([]byte(blob), &parsed); jerr == nil && parsed.ClaudeAiOauth.AccessToken != "" {
				plan := acct.Plan
				if plan == "" {
					plan = parsed.ClaudeAiOauth.SubscriptionType
				}
				return Credential{Token: parsed.ClaudeAiOauth.AccessToken, Plan: plan, Source: "keychain"}, nil
			}
		}
	}

	return Credential{}, fmt.Errorf("op=credentials.resolveClaude: no credential at %s: %w", path, domain.ErrCredentialMissing)
}

type codexCredentialJSON struct {
	OpenAIAPIKey string `json:"OPENAI_API_KEY"`
	Tokens       struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
	LastRefresh string `json:"last_refresh"`
}

func (r *Resolver) resolveCodex(acct domain.Account) (Credential, error) {
	dir := r.configDir(acct, r.opts.CodexDir)
	path := filepath.Join(dir, codexCredentialFile)

	raw, err := os.ReadFile(path) // #nosec G304 -- path derives from operator-supplied config
	if err != nil {
		return Credential{}, fmt.Errorf("op=credentials.resolveCodex: read %s: %w", path, domain.ErrCredentialMissing)
	}
	var parsed codexCredentialJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Credential{}, fmt.Errorf("op=credentials.resolveCodex: parse %s: %w", path, err)
	}
	if parsed.Tokens.AccessToken != "" {
		return Credential{Token: parsed.Tokens.AccessToken, AccountID: parsed.Tokens.AccountID, Plan: acct.Plan, Source: "file"}, nil
	}
	if parsed.OpenAIAPIKey != "" {
		return Credential{Token: parsed.OpenAIAPIKey, Plan: acct.Plan, Source: "file"}, nil
	}
	return Credential{}, fmt.Errorf("op=credentials.resolveCodex: %s has no usable token: %w", path, domain.ErrCredentialMissing)
}

type geminiCredentialJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiryDate is epoch milliseconds.
	ExpiryDate int64 `json:"expiry_date"`
}

func (r *Resolver) resolveGemini(ctx context.Context, acct domain.Account) (Credential, error) {
	dir := r.configDir(acct, r.opts.GeminiDir)
	path := filepath.Join(dir, geminiCredentialFile)

	raw, err := os.ReadFile(path) // #nosec G304 -- path derives from operator-supplied config
	if err != nil {
		return Credential{}, fmt.Errorf("op=credentials.resolveGemini: read %s: %w", path, domain.ErrCredentialMissing)
	}
	var parsed geminiCredentialJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Credential{}, fmt.Errorf("op=credentials.resolveGemini: parse %s: %w", path, err)
	}

	expiry := time.UnixMilli(parsed.ExpiryDate)
	if parsed.AccessToken != "" && time.Now().Before(expiry.Add(-geminiExpiryMargin)) {
		return Credential{Token: parsed.AccessToken, Plan: acct.Plan, Source: "file"}, nil
	}

	// Expired on disk. The CLI owns the file, so the refreshed token
	// lives only in memory, keyed by the config path.
	r.mu.Lock()
	cached, ok := r.geminiCache[path]
	r.mu.Unlock()
	if ok && time.Now().Before(cached.expires.Add(-geminiExpiryMargin)) {
		return Credential{Token: cached.token, Plan: acct.Plan, Source: "refresh"}, nil
	}

	if parsed.RefreshToken == "" {
		return Credential{}, fmt.Errorf("op=credentials.resolveGemini: token expired and no refresh token: %w", domain.ErrCredentialMissing)
	}
	token, expires, err := r.refreshGemini(ctx, parsed.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("op=credentials.resolveGemini: %w", err)
	}
	r.mu.Lock()
	r.geminiCache[path] = refreshedToken{token: token, expires: expires}
	r.mu.Unlock()
	return Credential{Token: token, Plan: acct.Plan, Source: "refresh"}, nil
}

// ExpandPath resolves a leading ~ against the current user's home.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// pathHash is the short suffix appended to Keychain service names for
// non-default config paths.
func pathHash(expanded string) string {
	sum := sha256.Sum256([]byte(expanded))
	return hex.EncodeToString(sum[:])[:8]
}

func securityFindGenericPassword(ctx context.Context, service string) (string, error) {
	cmd := exec.CommandContext(ctx, "security", "find-generic-password", "-s", service, "-w")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op=credentials.keychain: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}
