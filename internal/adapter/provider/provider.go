// Package provider implements the per-vendor usage clients and the
// fingerprint-deduplicated registry in front of them.
package provider

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

const (
	defaultClaudeBaseURL = "https://api.anthropic.com"
	defaultCodexBaseURL  = "https://chatgpt.com"
	defaultGeminiBaseURL = "https://cloudcode-pa.googleapis.com"
)

// Options configure the registry and its clients.
type Options struct {
	ClaudeBaseURL string
	CodexBaseURL  string
	GeminiBaseURL string
	HTTPTimeout   time.Duration

	BackoffMaxElapsed time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	// CodexStatusProbe prefers an interactive /status query over the
	// usage endpoint for accounts on the default Codex config.
	CodexStatusProbe  bool
	CodexBinary       string
	CodexProbeTimeout time.Duration
}

type usageClient interface {
	fetch(ctx domain.Context, acct domain.Account, cred credentials.Credential) (domain.AccountUsage, error)
}

type cacheKey struct {
	fingerprint string
	plan        string
}

// Registry resolves credentials, dispatches to the backend's usage client,
// and deduplicates fetches within one poll tick: accounts sharing a
// credential (same fingerprint and plan) reuse the first result until
// BeginTick clears the cache.
type Registry struct {
	resolver *credentials.Resolver
	clients  map[domain.Backend]usageClient
	opts     Options

	mu    sync.Mutex
	cache map[cacheKey]domain.AccountUsage
}

// NewRegistry builds the registry with one client per monitorable backend.
func NewRegistry(resolver *credentials.Resolver, opts Options) *Registry {
	if opts.ClaudeBaseURL == "" {
		opts.ClaudeBaseURL = defaultClaudeBaseURL
	}
	if opts.CodexBaseURL == "" {
		opts.CodexBaseURL = defaultCodexBaseURL
	}
	if opts.GeminiBaseURL == "" {
		opts.GeminiBaseURL = defaultGeminiBaseURL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.BackoffMaxElapsed <= 0 {
		opts.BackoffMaxElapsed = 45 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 2.0
	}
	if opts.CodexBinary == "" {
		opts.CodexBinary = "codex"
	}
	if opts.CodexProbeTimeout <= 0 {
		opts.CodexProbeTimeout = 30 * time.Second
	}

	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Usage %s %s", r.Method, r.URL.Host)
		}),
	)
	hc := &http.Client{Timeout: opts.HTTPTimeout, Transport: transport}
	return &Registry{
		resolver: resolver,
		opts:     opts,
		cache:    make(map[cacheKey]domain.AccountUsage),
		clients: map[domain.Backend]usageClient{
			domain.BackendClaude: newClaudeClient(opts.ClaudeBaseURL, hc),
			domain.BackendCodex: newCodexClient(opts.CodexBaseURL, hc, codexProbeConfig{
				enabled: opts.CodexStatusProbe,
				binary:  opts.CodexBinary,
				timeout: opts.CodexProbeTimeout,
			}),
			domain.BackendGemini: newGeminiClient(opts.GeminiBaseURL, hc),
		},
	}
}

// BeginTick drops the dedup cache. The monitor calls it at the start of each
// poll so results never outlive one tick.
func (r *Registry) BeginTick() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]domain.AccountUsage)
	r.mu.Unlock()
}

// FetchUsage implements domain.UsageFetcher.
func (r *Registry) FetchUsage(ctx domain.Context, acct domain.Account) (domain.AccountUsage, error) {
	client, ok := r.clients[acct.Backend]
	if !ok {
		return domain.AccountUsage{}, fmt.Errorf("op=provider.FetchUsage: backend %q has no usage endpoint: %w", acct.Backend, domain.ErrUnavailable)
	}

	cred, err := r.resolver.Resolve(ctx, acct)
	if err != nil {
		observability.ObserveUsageFetch(string(acct.Backend), "credential_error")
		return domain.AccountUsage{}, fmt.Errorf("op=provider.FetchUsage: %w", err)
	}
	fp := credentials.Fingerprint(cred.Token)
	key := cacheKey{fingerprint: fp, plan: cred.Plan}

	r.mu.Lock()
	if cached, hit := r.cache[key]; hit {
		r.mu.Unlock()
		observability.ObserveUsageFetch(string(acct.Backend), "cached")
		return cached, nil
	}
	r.mu.Unlock()

	var usage domain.AccountUsage
	op := func() error {
		var ferr error
		usage, ferr = client.fetch(ctx, acct, cred)
		return ferr
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = r.opts.BackoffMaxElapsed
	expo.InitialInterval = r.opts.BackoffInitial
	expo.MaxInterval = r.opts.BackoffMax
	expo.Multiplier = r.opts.BackoffMultiplier
	bo := backoff.WithContext(expo, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		observability.ObserveUsageFetch(string(acct.Backend), "error")
		return domain.AccountUsage{}, fmt.Errorf("op=provider.FetchUsage: %s: %w", acct.Backend, err)
	}

	usage.Fingerprint = fp
	if usage.Plan == "" {
		usage.Plan = cred.Plan
	}
	usage.FetchedAt = time.Now().UTC()

	r.mu.Lock()
	r.cache[key] = usage
	r.mu.Unlock()
	observability.ObserveUsageFetch(string(acct.Backend), "ok")
	return usage, nil
}
