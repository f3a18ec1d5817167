package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// cliEvent is one NDJSON frame from the Claude CLI in stream-json mode.
type cliEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// streamClaudeCLI is the last-resort Claude route: spawn the CLI in NDJSON
// streaming mode and relay text deltas. A wall-clock timer kills the
// subprocess; a hung CLI must not pin the HTTP handler forever.
func (g *Gateway) streamClaudeCLI(ctx context.Context, req ChatRequest, emit EmitFunc) error {
	cctx, cancel := context.WithTimeout(ctx, g.opts.CLITimeout)
	defer cancel()

	args := append(append([]string{}, g.opts.ClaudeCLI[1:]...),
		"-p", flattenPrompt(req.Messages), "--output-format", "stream-json", "--verbose")
	cmd := exec.CommandContext(cctx, g.opts.ClaudeCLI[0], args...) // #nosec G204 -- argv comes from server options, not request input

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 16 << 10}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("op=stream.claudeCLI: %w", err)
	}
	if err := cmd.Start(); err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.claudeCLI: start: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Debug("skipping non-JSON cli line", slog.String("line", line))
			continue
		}
		if ev.Type == "content_block_delta" && ev.Delta.Text != "" {
			observability.StreamChunksTotal.WithLabelValues("claude_cli").Inc()
			emit(Delta{Type: DeltaContent, Text: ev.Delta.Text})
		}
	}

	if err := cmd.Wait(); err != nil {
		return g.cliFailure(cctx, "claudeCLI", err, stderr.String(), emit)
	}
	emit(Delta{Type: DeltaFinish})
	return nil
}

// streamOpenCodeCLI relays `opencode run` output as plain text chunks.
func (g *Gateway) streamOpenCodeCLI(ctx context.Context, req ChatRequest, emit EmitFunc) error {
	cctx, cancel := context.WithTimeout(ctx, g.opts.CLITimeout)
	defer cancel()

	args := append(append([]string{}, g.opts.OpenCodeCLI[1:]...), "run", flattenPrompt(req.Messages))
	cmd := exec.CommandContext(cctx, g.opts.OpenCodeCLI[0], args...) // #nosec G204 -- argv comes from server options, not request input

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 16 << 10}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("op=stream.opencodeCLI: %w", err)
	}
	if err := cmd.Start(); err != nil {
		emit(Delta{Type: DeltaError, Error: err.Error()})
		return fmt.Errorf("op=stream.opencodeCLI: start: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			observability.StreamChunksTotal.WithLabelValues("opencode_cli").Inc()
			emit(Delta{Type: DeltaContent, Text: string(buf[:n])})
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				slog.Debug("opencode stdout read ended", slog.Any("error", rerr))
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		return g.cliFailure(cctx, "opencodeCLI", err, stderr.String(), emit)
	}
	emit(Delta{Type: DeltaFinish})
	return nil
}

// cliFailure maps a subprocess exit error to a typed delta and wrapped error,
// distinguishing the wall-clock kill from a genuine CLI failure.
func (g *Gateway) cliFailure(cctx context.Context, op string, waitErr error, stderr string, emit EmitFunc) error {
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("cli timed out after %s", g.opts.CLITimeout)
		emit(Delta{Type: DeltaError, Error: msg})
		return fmt.Errorf("op=stream.%s: %s: %w", op, msg, domain.ErrUpstreamTimeout)
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = waitErr.Error()
	}
	msg = clip(msg)
	emit(Delta{Type: DeltaError, Error: msg})
	return fmt.Errorf("op=stream.%s: %s", op, msg)
}

// flattenPrompt renders the conversation for single-prompt CLIs.
func flattenPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch strings.ToLower(m.Role) {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("Human: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// limitedWriter keeps the head of stderr for error reporting.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if rem := l.n - l.w.Len(); rem > 0 {
		if len(p) > rem {
			l.w.Write(p[:rem])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
