package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/service/statechan"
)

// sseWriter wraps a flushable ResponseWriter for Server-Sent Events. Frames
// arrive pre-formatted from the hub and session manager.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter sets the stream headers and returns a writer, or an error
// when the ResponseWriter cannot flush (e.g. behind http.TimeoutHandler).
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

// frame writes one pre-formatted SSE block and flushes.
func (s *sseWriter) frame(block string) error {
	if _, err := fmt.Fprint(s.w, block); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// event writes an event/data pair for ad-hoc frames built by handlers.
func (s *sseWriter) event(name, data string) error {
	return s.frame("event: " + name + "\ndata: " + data + "\n\n")
}

func (s *sseWriter) heartbeat() error {
	return s.frame(statechan.Heartbeat)
}

// lastEventID parses the client's replay cursor from the Last-Event-ID
// header, with a query-parameter fallback for EventSource shims. Absent or
// malformed cursors mean "from the beginning".
func lastEventID(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// pump forwards frames from ch to the writer until the channel closes, the
// client disconnects, or writing fails. A heartbeat comment is emitted when
// no frame arrives for one interval.
func (s *sseWriter) pump(r *http.Request, ch <-chan string, heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := s.frame(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.heartbeat(); err != nil {
				return
			}
		}
	}
}
