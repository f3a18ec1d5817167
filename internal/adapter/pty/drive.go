package pty

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/fairyhunter13/agent-control-plane/pkg/termtext"
)

// DriveSpec describes a scripted interactive exchange: spawn Argv under a
// PTY, wait for readiness, type Lines, collect output until it goes quiet.
type DriveSpec struct {
	Argv []string
	Dir  string
	Env  map[string]string

	// Lines are written one by one, each terminated with carriage return.
	Lines []string

	// ReadyPattern gates the first write. When nil, Settle alone decides.
	ReadyPattern *regexp.Regexp
	// Settle is the fallback readiness delay, and the post-ready pause
	// before typing. Defaults to 2s.
	Settle time.Duration
	// InterLine is the delay between written lines. Defaults to 250ms.
	InterLine time.Duration
	// Quiet ends capture once no output arrives for this long after the
	// last write. Defaults to 1s.
	Quiet time.Duration
	// Timeout bounds the whole exchange. Defaults to 30s.
	Timeout time.Duration

	// Rows and Cols size the terminal; TUIs render differently on tiny
	// windows. Defaults to 40x160.
	Rows uint16
	Cols uint16
}

func (s *DriveSpec) defaults() {
	if s.Settle <= 0 {
		s.Settle = 2 * time.Second
	}
	if s.InterLine <= 0 {
		s.InterLine = 250 * time.Millisecond
	}
	if s.Quiet <= 0 {
		s.Quiet = time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Rows == 0 {
		s.Rows = 40
	}
	if s.Cols == 0 {
		s.Cols = 160
	}
}

// driveCapture accumulates master output and remembers when data last
// arrived.
type driveCapture struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	last time.Time
}

func (c *driveCapture) write(b []byte) {
	c.mu.Lock()
	c.buf.Write(b)
	c.last = time.Now()
	c.mu.Unlock()
}

func (c *driveCapture) snapshot() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.last
}

// Drive runs one scripted exchange and returns everything the child printed,
// decoded but with ANSI sequences intact so callers can strip selectively.
// The child is terminated before return.
func Drive(ctx context.Context, spec DriveSpec) (string, error) {
	spec.defaults()

	proc, err := Open(spec.Argv, spec.Dir, spec.Env)
	if err != nil {
		return "", fmt.Errorf("op=pty.Drive: %w", err)
	}
	_ = creackpty.Setsize(proc.Master, &creackpty.Winsize{Rows: spec.Rows, Cols: spec.Cols})

	cap := &driveCapture{last: time.Now()}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		chunk := make([]byte, ReadChunkSize)
		for {
			n, rerr := proc.Master.Read(chunk)
			if n > 0 {
				cap.write(chunk[:n])
			}
			if rerr != nil {
				if rerr != io.EOF && !IsClosedRead(rerr) {
					// A dying TUI can leave the line in odd
					// states; the capture so far still counts.
					return
				}
				return
			}
		}
	}()

	deadline := time.Now().Add(spec.Timeout)
	defer func() {
		proc.Terminate(2 * time.Second)
		proc.CloseMaster()
		<-readerDone
		_, _ = proc.Wait()
	}()

	if err := driveAwaitReady(ctx, spec, cap, deadline); err != nil {
		text, _ := cap.snapshot()
		return termtext.Decode(text), err
	}

	for _, line := range spec.Lines {
		if err := sleepCtx(ctx, spec.InterLine); err != nil {
			text, _ := cap.snapshot()
			return termtext.Decode(text), err
		}
		if _, err := proc.Master.Write([]byte(line + "\r")); err != nil {
			text, _ := cap.snapshot()
			return termtext.Decode(text), fmt.Errorf("op=pty.Drive: write %q: %w", line, err)
		}
	}

	// Capture until the child goes quiet or the deadline hits.
	for {
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			break
		}
		_, last := cap.snapshot()
		if time.Since(last) >= spec.Quiet {
			break
		}
		if time.Now().After(deadline) {
			break
		}
	}

	text, _ := cap.snapshot()
	return termtext.Decode(text), nil
}

func driveAwaitReady(ctx context.Context, spec DriveSpec, cap *driveCapture, deadline time.Time) error {
	if spec.ReadyPattern == nil {
		return sleepCtx(ctx, spec.Settle)
	}
	for {
		text, _ := cap.snapshot()
		if spec.ReadyPattern.MatchString(termtext.StripANSI(text)) {
			// Let the TUI finish painting before typing into it.
			return sleepCtx(ctx, spec.Settle)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=pty.Drive: ready pattern %q not seen before timeout", spec.ReadyPattern)
		}
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
