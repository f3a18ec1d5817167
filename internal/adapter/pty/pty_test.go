package pty

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestOpenEmptyCommand(t *testing.T) {
	if _, err := Open(nil, "", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestOpenAndWait(t *testing.T) {
	proc, err := Open([]string{"sh", "-c", "echo hello-pty; exit 7"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if proc.PID <= 0 {
		t.Errorf("Expected positive pid, got %d", proc.PID)
	}
	if proc.PGID != proc.PID {
		t.Errorf("Expected pgid == pid for session leader, got pgid=%d pid=%d", proc.PGID, proc.PID)
	}

	out := make([]byte, 0, 256)
	chunk := make([]byte, ReadChunkSize)
	for {
		n, rerr := proc.Master.Read(chunk)
		out = append(out, chunk[:n]...)
		if rerr != nil {
			break
		}
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 7 {
		t.Errorf("Expected exit code 7, got %d", code)
	}
	if !strings.Contains(string(out), "hello-pty") {
		t.Errorf("Expected captured output to contain hello-pty, got %q", string(out))
	}
	proc.CloseMaster()
}

func TestTerminateKillsGroup(t *testing.T) {
	proc, err := Open([]string{"sh", "-c", "sleep 30"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	go func() {
		chunk := make([]byte, ReadChunkSize)
		for {
			if _, rerr := proc.Master.Read(chunk); rerr != nil {
				return
			}
		}
	}()

	proc.Terminate(3 * time.Second)
	if _, err := proc.Wait(); err != nil {
		t.Fatalf("Wait after terminate: %v", err)
	}
	if Alive(proc.PID) {
		t.Error("Expected process to be gone after terminate")
	}
	proc.CloseMaster()
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("Expected own pid to be alive")
	}
	if Alive(0) {
		t.Error("Expected pid 0 to report not alive")
	}
	if Alive(-5) {
		t.Error("Expected negative pid to report not alive")
	}
}

func TestOverlayEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "TERM=xterm"}
	got := OverlayEnv(base, map[string]string{"HOME": "/tmp/x", "API_KEY": "sk-1"})

	asMap := map[string]string{}
	for _, kv := range got {
		i := strings.IndexByte(kv, '=')
		asMap[kv[:i]] = kv[i+1:]
	}
	if asMap["HOME"] != "/tmp/x" {
		t.Errorf("Expected HOME override, got %q", asMap["HOME"])
	}
	if asMap["API_KEY"] != "sk-1" {
		t.Errorf("Expected API_KEY appended, got %q", asMap["API_KEY"])
	}
	if asMap["PATH"] != "/usr/bin" {
		t.Errorf("Expected PATH untouched, got %q", asMap["PATH"])
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "HOME=") && kv != "HOME=/tmp/x" {
			t.Errorf("Expected no duplicate HOME entries, got %v", got)
		}
	}

	same := OverlayEnv(base, nil)
	if len(same) != len(base) {
		t.Errorf("Expected nil overlay to return base unchanged, got %v", same)
	}
}

func TestDriveScriptedExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := Drive(ctx, DriveSpec{
		Argv:         []string{"sh", "-i"},
		Lines:        []string{"echo drive-marker-$((40+2))", "exit"},
		ReadyPattern: regexp.MustCompile(`\$`),
		Settle:       200 * time.Millisecond,
		InterLine:    100 * time.Millisecond,
		Quiet:        300 * time.Millisecond,
		Timeout:      10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if !strings.Contains(out, "drive-marker-42") {
		t.Errorf("Expected scripted output in capture, got %q", out)
	}
}

func TestDriveReadyTimeout(t *testing.T) {
	ctx := context.Background()
	_, err := Drive(ctx, DriveSpec{
		Argv:         []string{"sleep", "5"},
		Lines:        []string{"nope"},
		ReadyPattern: regexp.MustCompile(`never-prints`),
		Settle:       50 * time.Millisecond,
		Timeout:      700 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected ready-pattern timeout error")
	}
	if !strings.Contains(err.Error(), "not seen before timeout") {
		t.Errorf("Expected timeout error, got %v", err)
	}
}
