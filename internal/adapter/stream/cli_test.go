package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// deadProbe is an always-404 proxy probe so StreamChat falls through to the
// CLI routes.
func deadProbe(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamChatFallsBackToClaudeCLI(t *testing.T) {
	script := writeScript(t, "claude-stub.sh", `#!/bin/sh
[ "$1" = "-p" ] || { echo "bad argv: $*" >&2; exit 9; }
case "$2" in *"Human: fix the bug"*) ;; *) echo "bad prompt: $2" >&2; exit 9;; esac
[ "$3" = "--output-format" ] || exit 9
[ "$4" = "stream-json" ] || exit 9
[ "$5" = "--verbose" ] || exit 9
echo '{"type":"message_start"}'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi "}}'
echo 'stray non-json noise'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}'
`)
	g := NewGateway(Options{
		ProxyProbeURL:      deadProbe(t).URL,
		AnthropicAPIKeyEnv: "STREAM_TEST_ABSENT_KEY",
		ClaudeCLI:          []string{script},
	})
	rec := &deltaRec{}
	if err := g.StreamChat(context.Background(), chatReq(domain.BackendClaude, "fix the bug"), rec.emit); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	if rec.text() != "hi there" {
		t.Errorf("text = %q", rec.text())
	}
	ds := rec.all()
	if last := ds[len(ds)-1]; last.Type != DeltaFinish {
		t.Errorf("last delta = %+v", last)
	}
}

func TestClaudeCLIStderrSurfaced(t *testing.T) {
	script := writeScript(t, "claude-fail.sh", `#!/bin/sh
echo "boom: credential expired" >&2
exit 3
`)
	g := NewGateway(Options{ClaudeCLI: []string{script}})
	rec := &deltaRec{}
	err := g.streamClaudeCLI(context.Background(), chatReq(domain.BackendClaude, "hi"), rec.emit)
	if err == nil || !strings.Contains(err.Error(), "credential expired") {
		t.Fatalf("err = %v", err)
	}
	ds := rec.all()
	if len(ds) == 0 || ds[len(ds)-1].Type != DeltaError {
		t.Fatalf("deltas = %+v", ds)
	}
}

func TestClaudeCLITimeoutKillsSubprocess(t *testing.T) {
	script := writeScript(t, "claude-hang.sh", `#!/bin/sh
exec sleep 5
`)
	g := NewGateway(Options{
		ClaudeCLI:  []string{script},
		CLITimeout: 150 * time.Millisecond,
	})
	rec := &deltaRec{}
	start := time.Now()
	err := g.streamClaudeCLI(context.Background(), chatReq(domain.BackendClaude, "hi"), rec.emit)
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("subprocess not killed promptly, took %s", elapsed)
	}
}

func TestOpenCodeCLINonZeroExit(t *testing.T) {
	script := writeScript(t, "opencode-fail.sh", `#!/bin/sh
printf 'partial output'
echo "session store locked" >&2
exit 2
`)
	g := NewGateway(Options{OpenCodeCLI: []string{script}})
	rec := &deltaRec{}
	err := g.streamOpenCodeCLI(context.Background(), chatReq(domain.BackendOpenCode, "hi"), rec.emit)
	if err == nil || !strings.Contains(err.Error(), "session store locked") {
		t.Fatalf("err = %v", err)
	}
	if rec.text() != "partial output" {
		t.Errorf("text = %q", rec.text())
	}
}

func TestFlattenPrompt(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "go on"},
	}
	want := "System: be brief\n\nHuman: hello\n\nAssistant: hi\n\nHuman: go on"
	if got := flattenPrompt(msgs); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLimitedWriterCaps(t *testing.T) {
	lw := &limitedWriter{w: &bytes.Buffer{}, n: 10}
	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil || n != 16 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if lw.w.String() != "0123456789" {
		t.Errorf("buffer = %q", lw.w.String())
	}
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if lw.w.Len() != 10 {
		t.Errorf("buffer grew past cap: %d", lw.w.Len())
	}
}
