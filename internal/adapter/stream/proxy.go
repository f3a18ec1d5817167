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

// openAIChunk is the streamed chat-completions frame shape. Only the fields
// the gateway consumes are declared.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content   string             `json:"content"`
			ToolCalls []toolCallFragment `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallFragment is one index-keyed tool-call slice. The id and name arrive
// on the first fragment; arguments is partial JSON spread across fragments.
type toolCallFragment struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// streamProxy drives one chat-completions stream against an OpenAI-compatible
// local proxy. Raw net/http rather than an SDK: upstream error bodies pass
// through the proxy verbatim and may be gzip-encoded, so status handling
// needs the raw bytes.
func (g *Gateway) streamProxy(ctx context.Context, base, key, model string, req ChatRequest, emit EmitFunc) error {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   true,
	})
	if err != nil {
		return fmt.Errorf("op=stream.proxy: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=stream.proxy: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	if req.AccountEmail != "" {
		r.Header.Set("X-Account-Email", req.AccountEmail)
	}

	resp, err := g.hc.Do(r)
	if err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.proxy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := ExtractErrorMessage(raw, resp.StatusCode)
		slog.Warn("proxy stream error",
			slog.Int("status", resp.StatusCode),
			slog.String("model", model),
			slog.String("message", msg))
		emit(Delta{Type: DeltaError, Error: msg})
		return fmt.Errorf("op=stream.proxy: status %d: %s", resp.StatusCode, msg)
	}

	return readChatStream(resp.Body, "proxy", emit)
}

// readChatStream consumes `data: <json>` SSE lines until `data: [DONE]` or
// EOF, assembling tool-call fragments per index and flushing them once a
// finish_reason lands, so subscribers always see complete tool calls.
func readChatStream(body io.Reader, transport string, emit EmitFunc) error {
	asm := newToolCallAssembler()
	finished := false

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("skipping unparseable stream chunk", slog.Any("error", err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			observability.StreamChunksTotal.WithLabelValues(transport).Inc()
			emit(Delta{Type: DeltaContent, Text: choice.Delta.Content})
		}
		for _, frag := range choice.Delta.ToolCalls {
			asm.add(frag)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			asm.flush(emit)
			emit(Delta{Type: DeltaFinish, FinishReason: *choice.FinishReason})
			finished = true
		}
	}
	if err := sc.Err(); err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.readChatStream: %w", err)
	}
	if !finished {
		// Upstream closed without a finish_reason; surface whatever tool
		// calls were in flight rather than dropping them.
		asm.flush(emit)
		emit(Delta{Type: DeltaFinish})
	}
	return nil
}

// toolCallAssembler accumulates index-keyed fragments. Order of first
// appearance is preserved across the flush.
type toolCallAssembler struct {
	order []int
	byIdx map[int]*ToolCall
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIdx: make(map[int]*ToolCall)}
}

func (a *toolCallAssembler) add(f toolCallFragment) {
	tc, ok := a.byIdx[f.Index]
	if !ok {
		tc = &ToolCall{Index: f.Index}
		a.byIdx[f.Index] = tc
		a.order = append(a.order, f.Index)
	}
	if f.ID != "" {
		tc.ID = f.ID
	}
	if f.Function.Name != "" {
		tc.Name = f.Function.Name
	}
	tc.Arguments += f.Function.Arguments
}

func (a *toolCallAssembler) flush(emit EmitFunc) {
	for _, idx := range a.order {
		emit(Delta{Type: DeltaToolCall, ToolCall: a.byIdx[idx]})
	}
	a.order = a.order[:0]
	a.byIdx = make(map[int]*ToolCall)
}
