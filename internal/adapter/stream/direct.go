package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
)

const (
	anthropicVersion   = "2023-06-01"
	directMaxTokens    = 8192
	directErrBodyLimit = 64 << 10
)

// anthropicEvent is the union of the /v1/messages stream frames the gateway
// consumes.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamClaudeDirect streams from the Anthropic Messages API with the key
// found in the environment. Only text deltas are consumed; the direct route
// serves plain conversations, tool use rides the proxy.
func (g *Gateway) streamClaudeDirect(ctx context.Context, key, model string, req ChatRequest, emit EmitFunc) error {
	var system string
	turns := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}

	body := map[string]any{
		"model":      model,
		"messages":   turns,
		"max_tokens": directMaxTokens,
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=stream.direct: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.opts.AnthropicBaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=stream.direct: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("x-api-key", key)
	r.Header.Set("anthropic-version", anthropicVersion)

	resp, err := g.hc.Do(r)
	if err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.direct: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, directErrBodyLimit))
		msg := ExtractErrorMessage(raw, resp.StatusCode)
		slog.Warn("direct api stream error",
			slog.Int("status", resp.StatusCode),
			slog.String("model", model),
			slog.String("message", msg))
		emit(Delta{Type: DeltaError, Error: msg})
		return fmt.Errorf("op=stream.direct: status %d: %s", resp.StatusCode, msg)
	}

	var stopReason string
	finished := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			slog.Debug("skipping unparseable direct api event", slog.Any("error", err))
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				observability.StreamChunksTotal.WithLabelValues("direct").Inc()
				emit(Delta{Type: DeltaContent, Text: ev.Delta.Text})
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
		case "message_stop":
			emit(Delta{Type: DeltaFinish, FinishReason: stopReason})
			finished = true
		case "error":
			msg := ev.Error.Message
			if msg == "" {
				msg = ev.Error.Type
			}
			emit(Delta{Type: DeltaError, Error: msg})
			return fmt.Errorf("op=stream.direct: upstream error: %s", msg)
		}
	}
	if err := sc.Err(); err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.direct: %w", err)
	}
	if !finished {
		emit(Delta{Type: DeltaFinish, FinishReason: stopReason})
	}
	return nil
}
