// Package stream is the conversation gateway: it turns an ordered
// conversation into a lazy sequence of typed deltas, streaming from a local
// OpenAI-compatible proxy, the provider API, or a CLI subprocess depending on
// what is reachable for the requested backend.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/adapter/stream/tokencount"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// Message is one role-tagged conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one streaming conversation call.
type ChatRequest struct {
	Backend      domain.Backend
	Model        string
	AccountEmail string
	Messages     []Message
}

// DeltaType enumerates the typed chunks a stream yields.
type DeltaType string

const (
	DeltaContent  DeltaType = "content_delta"
	DeltaToolCall DeltaType = "tool_call"
	DeltaFinish   DeltaType = "finish"
	DeltaError    DeltaType = "error"
)

// ToolCall is one fully assembled tool invocation. Arguments arrive from the
// upstream as partial JSON slices and are concatenated until finish_reason.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Delta is one typed stream chunk.
type Delta struct {
	Type         DeltaType `json:"type"`
	Text         string    `json:"text,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// EmitFunc receives deltas in order. It must not block indefinitely; the
// HTTP layer bridges it to a bounded SSE writer.
type EmitFunc func(Delta)

// Options configure a Gateway. Zero values fall back to defaults.
type Options struct {
	// ProxyBaseURL short-circuits detection when set.
	ProxyBaseURL string
	ProxyAPIKey  string
	// ProxyProbeURL is the auto-detection candidate, health-checked via
	// GET /v1/models.
	ProxyProbeURL string
	ProbeTTL      time.Duration

	DefaultModel string
	HTTPTimeout  time.Duration
	CLITimeout   time.Duration

	// AnthropicAPIKeyEnv names the env var consulted for the direct
	// Claude API route.
	AnthropicAPIKeyEnv string
	AnthropicBaseURL   string

	// ClaudeCLI and OpenCodeCLI are the argv prefixes for the subprocess
	// routes; overridable for tests.
	ClaudeCLI   []string
	OpenCodeCLI []string
}

// Gateway resolves a route per request and streams typed deltas from it.
type Gateway struct {
	opts    Options
	hc      *http.Client
	probeHC *http.Client
	counter *tokencount.Counter

	mu      sync.Mutex
	probeOK bool
	probeAt time.Time
}

// NewGateway builds a gateway. HTTP streams and CLI subprocesses both run
// under a 120s wall-clock guard unless configured otherwise.
func NewGateway(opts Options) *Gateway {
	if opts.ProxyProbeURL == "" {
		opts.ProxyProbeURL = "http://127.0.0.1:4000"
	}
	if opts.ProbeTTL <= 0 {
		opts.ProbeTTL = 30 * time.Second
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "claude-sonnet-4-5"
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 120 * time.Second
	}
	if opts.CLITimeout <= 0 {
		opts.CLITimeout = 120 * time.Second
	}
	if opts.AnthropicAPIKeyEnv == "" {
		opts.AnthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if opts.AnthropicBaseURL == "" {
		opts.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if len(opts.ClaudeCLI) == 0 {
		opts.ClaudeCLI = []string{"claude"}
	}
	if len(opts.OpenCodeCLI) == 0 {
		opts.OpenCodeCLI = []string{"opencode"}
	}
	return &Gateway{
		opts:    opts,
		hc:      &http.Client{Timeout: opts.HTTPTimeout},
		probeHC: &http.Client{Timeout: 3 * time.Second},
		counter: tokencount.NewCounter(),
	}
}

// StreamChat resolves the route for the request and drives emit with typed
// deltas until the stream ends. Route priority: explicit proxy, detected
// proxy, direct Claude API key, CLI subprocess. OpenCode always runs its own
// CLI; account routing via X-Account-Email requires a proxy.
func (g *Gateway) StreamChat(ctx context.Context, req ChatRequest, emit EmitFunc) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("op=stream.StreamChat: empty conversation: %w", domain.ErrInvalidArgument)
	}
	model := req.Model
	if model == "" {
		model = g.opts.DefaultModel
	}
	g.recordPromptEstimate(model, req.Messages)

	if req.Backend == domain.BackendOpenCode {
		return g.streamOpenCodeCLI(ctx, req, emit)
	}

	if g.opts.ProxyBaseURL != "" {
		return g.streamProxy(ctx, g.opts.ProxyBaseURL, g.opts.ProxyAPIKey, model, req, emit)
	}
	if g.proxyAlive(ctx) {
		return g.streamProxy(ctx, g.opts.ProxyProbeURL, g.opts.ProxyAPIKey, model, req, emit)
	}
	if req.AccountEmail != "" {
		return fmt.Errorf("op=stream.StreamChat: account routing needs a local proxy: %w", domain.ErrUnavailable)
	}

	switch req.Backend {
	case domain.BackendClaude:
		if key := os.Getenv(g.opts.AnthropicAPIKeyEnv); key != "" {
			return g.streamClaudeDirect(ctx, key, model, req, emit)
		}
		return g.streamClaudeCLI(ctx, req, emit)
	default:
		return fmt.Errorf("op=stream.StreamChat: no route for backend %q without a local proxy: %w", req.Backend, domain.ErrUnavailable)
	}
}

// proxyAlive health-checks the detection candidate, caching the result so a
// dead proxy is not probed on every request.
func (g *Gateway) proxyAlive(ctx context.Context) bool {
	g.mu.Lock()
	if time.Since(g.probeAt) < g.opts.ProbeTTL {
		ok := g.probeOK
		g.mu.Unlock()
		return ok
	}
	g.mu.Unlock()

	ok := g.probeOnce(ctx)

	g.mu.Lock()
	g.probeOK = ok
	g.probeAt = time.Now()
	g.mu.Unlock()
	return ok
}

func (g *Gateway) probeOnce(ctx context.Context) bool {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.ProxyProbeURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := g.probeHC.Do(r)
	if err != nil {
		slog.Debug("local proxy probe failed", slog.String("url", g.opts.ProxyProbeURL), slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (g *Gateway) recordPromptEstimate(model string, messages []Message) {
	turns := make([]tokencount.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, tokencount.Turn{Role: m.Role, Content: m.Content})
	}
	tokens := g.counter.EstimateConversation(model, turns)
	observability.StreamPromptTokens.Observe(float64(tokens))
	slog.Debug("prompt token estimate",
		slog.String("model", model),
		slog.Int("tokens", tokens),
		slog.Int("messages", len(messages)))
}
