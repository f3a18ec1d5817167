// Package tokencount estimates prompt sizes for streamed conversations.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library.
// The agent backends (Claude, Gemini, Codex) do not publish Go tokenizers,
// so cl100k_base serves as a close approximation for all of them.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Turn is one message of a conversation being sized.
type Turn struct {
	Role    string
	Content string
}

// Counter provides thread-safe token counting across models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// getEncodingForModel returns the tiktoken encoding for a model,
// caching encodings for reuse.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts backend model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	// Proxy model IDs can carry provider prefixes,
	// e.g. "anthropic/claude-sonnet-4-5".
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "claude"):
		// Claude tokenizes differently but cl100k_base is a close approximation
		return "gpt-4"
	case strings.Contains(model, "gemini"):
		return "gpt-4"
	case strings.Contains(model, "codex"), strings.Contains(model, "o1"), strings.Contains(model, "o3"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	tokens := enc.Encode(text, nil, nil)
	return len(tokens), nil
}

// CountConversation counts tokens for a chat request, accounting for the
// per-message structure overhead used by OpenAI-compatible APIs.
func (c *Counter) CountConversation(model string, turns []Turn) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message + 1 for the role, per the OpenAI cookbook's
	// token counting recipe.
	tokensPerMessage := 3
	tokensPerRole := 1

	numTokens := 0
	for _, t := range turns {
		numTokens += tokensPerMessage
		numTokens += len(enc.Encode(t.Role, nil, nil))
		numTokens += len(enc.Encode(t.Content, nil, nil))
		numTokens += tokensPerRole
	}

	// Every reply is primed with <|start|>assistant<|message|>
	numTokens += 3

	return numTokens, nil
}

// EstimateConversation counts conversation tokens and never fails: when the
// tokenizer is unavailable it falls back to a rough ~4 chars per token guess.
func (c *Counter) EstimateConversation(model string, turns []Turn) int {
	n, err := c.CountConversation(model, turns)
	if err == nil {
		return n
	}
	slog.Warn("failed to count prompt tokens, using estimate",
		slog.String("model", model),
		slog.Any("error", err))
	chars := 0
	for _, t := range turns {
		chars += len(t.Content)
	}
	return chars / 4
}
