// Package pty spawns CLI children attached to pseudo-terminal pairs and owns
// the process-group signalling discipline.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// ReadChunkSize is the read granularity on the master descriptor.
const ReadChunkSize = 4096

// DefaultTerminateGrace is how long Terminate waits between SIGTERM and
// SIGKILL.
const DefaultTerminateGrace = 5 * time.Second

// Proc is one child process attached to a PTY. The caller owns Master and
// must call Wait exactly once after the read side drains.
type Proc struct {
	PID    int
	PGID   int
	Master *os.File

	cmd *exec.Cmd
}

// Open spawns argv in dir with env overlaid onto the parent environment.
// pty.Start sets Setsid on the child, creating a new session and process
// group (PGID = child PID); do not also set Setpgid — Setsid alone gives
// kill(-pgid) semantics for the whole group.
func Open(argv []string, dir string, env map[string]string) (*Proc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("op=pty.Open: empty command: %w", domain.ErrInvalidArgument)
	}
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- commands come from vetted execution requests
	cmd.Dir = dir
	cmd.Env = OverlayEnv(os.Environ(), env)

	master, err := creackpty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("op=pty.Open: start %q: %w", argv[0], err)
	}

	p := &Proc{PID: cmd.Process.Pid, Master: master, cmd: cmd}
	if pgid, err := syscall.Getpgid(p.PID); err == nil {
		p.PGID = pgid
	} else {
		// Setsid already made the child a group leader.
		p.PGID = p.PID
	}
	return p, nil
}

// Wait reaps the child and returns its exit code. Signals and wait errors
// report -1.
func (p *Proc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by signal.
		return -1, nil
	}
	return -1, fmt.Errorf("op=pty.Wait: %w", err)
}

// Terminate signals the whole process group: SIGTERM, wait up to grace for
// the child to disappear, then SIGKILL. Failures are logged, never returned;
// an already-reaped child is fine.
func (p *Proc) Terminate(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	pgid := p.PGID
	if pgid <= 0 {
		pgid = p.PID
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("pty terminate: sigterm failed", slog.Int("pgid", pgid), slog.Any("error", err))
		// Fall back to the direct pid in case the group is gone.
		_ = syscall.Kill(p.PID, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(p.PID) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("pty terminate: sigkill failed", slog.Int("pgid", pgid), slog.Any("error", err))
	}
}

// CloseMaster releases the master descriptor; the reader loop sees EOF.
func (p *Proc) CloseMaster() {
	if p.Master != nil {
		_ = p.Master.Close()
	}
}

// Alive probes a PID with the null signal. EPERM still means the process
// exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// OverlayEnv merges overlay entries onto a base environment, replacing
// duplicate keys rather than appending them: libc getenv takes the first
// match, so appended overrides would be invisible to the child.
func OverlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(overlay))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if v, ok := overlay[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overlay {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// IsClosedRead reports whether a master read error means the child side is
// gone: Linux returns EIO once no slave descriptor remains open.
func IsClosedRead(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
