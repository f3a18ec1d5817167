// Package statechan delivers ordered state deltas for chat sessions to SSE
// subscribers, with cursor-based replay across reconnects.
package statechan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/observability"
)

// Heartbeat is the SSE comment written when a subscriber has seen no event
// for one heartbeat interval.
const Heartbeat = ": heartbeat\n\n"

// Wire event names. Deltas travel as state_delta unless pushed under their
// own name (PushNamed); full_sync replaces replay when the client's cursor
// precedes the retained log.
const (
	EventStateDelta = "state_delta"
	EventFullSync   = "full_sync"
)

// TypeStatusChange is the delta type pushed by PushStatus.
const TypeStatusChange = "status_change"

// DefaultEventLogMax caps the retained per-session event log.
const DefaultEventLogMax = 1000

// DefaultQueueSize bounds each subscriber's frame queue.
const DefaultQueueSize = 256

// Event is one versioned delta. Payload keys are merged into the JSON object
// next to seq. Name, when set, is the SSE event name the delta travels under;
// otherwise the frame is a state_delta carrying Type inside the object.
type Event struct {
	Seq     int64
	Type    string
	Name    string
	Payload map[string]any
}

func (e Event) eventName() string {
	if e.Name != "" {
		return e.Name
	}
	return EventStateDelta
}

func (e Event) object() map[string]any {
	obj := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		if k == "seq" {
			continue
		}
		if e.Name == "" && k == "type" {
			continue
		}
		if e.Name != "" && k == "event" {
			continue
		}
		obj[k] = v
	}
	obj["seq"] = e.Seq
	if e.Name != "" {
		obj["event"] = e.Name
	} else {
		obj["type"] = e.Type
	}
	return obj
}

// Subscription is one attached SSE consumer. C closes when the session is
// removed (the poison pill); callers must also Close on client disconnect.
type Subscription struct {
	C <-chan string

	hub       *Hub
	sessionID string
	sub       *subscriber
}

// Close detaches the subscription. Safe to call more than once and after the
// session is removed.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unsubscribe(s.sessionID, s.sub)
}

type subscriber struct {
	ch     chan string
	closed bool
}

type session struct {
	seq       int64
	events    []Event
	status    string
	createdAt time.Time
	subs      map[*subscriber]struct{}
}

// Hub owns every chat-session channel. One mutex guards the session table,
// event logs, and subscriber lists; it is never held across blocking I/O —
// replay frames are computed under the lock and written by the caller after
// release.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session

	logMax    int
	queueSize int
}

// NewHub builds a hub. Non-positive limits fall back to the defaults.
func NewHub(logMax, queueSize int) *Hub {
	if logMax <= 0 {
		logMax = DefaultEventLogMax
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		sessions:  make(map[string]*session),
		logMax:    logMax,
		queueSize: queueSize,
	}
}

// Init creates the channel for a session id. Calling it again is a no-op:
// seq, log, and subscribers are untouched.
func (h *Hub) Init(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureLocked(sessionID)
}

func (h *Hub) ensureLocked(sessionID string) *session {
	s, ok := h.sessions[sessionID]
	if !ok {
		s = &session{
			status:    "active",
			createdAt: time.Now(),
			subs:      make(map[*subscriber]struct{}),
		}
		h.sessions[sessionID] = s
	}
	return s
}

// PushDelta appends a versioned event and fans it out to every subscriber.
// Returns the assigned seq. Unknown session ids are created on the fly.
func (h *Hub) PushDelta(sessionID, typ string, payload map[string]any) int64 {
	seq := h.push(sessionID, Event{Type: typ, Payload: payload})
	observability.StateChannelEvents.WithLabelValues(typ).Inc()
	return seq
}

// PushNamed appends a versioned event that travels under its own SSE event
// name (ralph_iteration, circuit_breaker, team_update, ...) instead of the
// state_delta envelope. Replay preserves the name.
func (h *Hub) PushNamed(sessionID, event string, payload map[string]any) int64 {
	seq := h.push(sessionID, Event{Type: event, Name: event, Payload: payload})
	observability.StateChannelEvents.WithLabelValues(event).Inc()
	return seq
}

func (h *Hub) push(sessionID string, ev Event) int64 {
	h.mu.Lock()
	s := h.ensureLocked(sessionID)
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, ev)
	if over := len(s.events) - h.logMax; over > 0 {
		s.events = append(s.events[:0], s.events[over:]...)
	}
	h.fanoutLocked(sessionID, s, formatFrame(ev.Seq, ev.eventName(), ev.object()))
	seq := s.seq
	h.mu.Unlock()
	return seq
}

// PushStatus records the session status and pushes a status_change delta.
func (h *Hub) PushStatus(sessionID, status string) {
	h.mu.Lock()
	s := h.ensureLocked(sessionID)
	s.status = status
	h.mu.Unlock()

	h.PushDelta(sessionID, TypeStatusChange, map[string]any{"status": status})
}

// fanoutLocked delivers one frame to every subscriber queue. Queues are
// bounded; a full queue drops the frame — the client recovers the gap on
// reconnect via replay.
func (h *Hub) fanoutLocked(sessionID string, s *session, frame string) {
	for sub := range s.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			slog.Warn("state channel subscriber queue full, dropping frame",
				slog.String("session_id", sessionID))
		}
	}
}

// Subscribe attaches a consumer. The returned replay slice holds the catch-up
// frames and must be written to the client before reading from the live
// channel: it is computed in the same critical section that registers the
// subscriber, so live frames are strictly newer.
//
// With lastSeq at or past the head of the retained log the replay is the
// per-event tail with seq > lastSeq. A cursor older than the retained log
// yields exactly one full_sync frame carrying the whole log.
func (h *Hub) Subscribe(sessionID string, lastSeq int64) (replay []string, subn *Subscription) {
	h.mu.Lock()
	s := h.ensureLocked(sessionID)

	if len(s.events) > 0 {
		oldest := s.events[0].Seq
		switch {
		case lastSeq >= oldest-1:
			for _, ev := range s.events {
				if ev.Seq > lastSeq {
					replay = append(replay, formatFrame(ev.Seq, ev.eventName(), ev.object()))
				}
			}
		default:
			// The client's cursor points into trimmed history; a
			// per-event replay would hide the gap.
			all := make([]map[string]any, 0, len(s.events))
			for _, ev := range s.events {
				all = append(all, ev.object())
			}
			payload := map[string]any{
				"seq":    s.seq,
				"type":   EventFullSync,
				"events": all,
			}
			replay = append(replay, formatFrame(s.seq, EventFullSync, payload))
		}
	}

	sub := &subscriber{ch: make(chan string, h.queueSize)}
	s.subs[sub] = struct{}{}
	h.mu.Unlock()

	observability.StateChannelSubscribers.Inc()
	return replay, &Subscription{C: sub.ch, hub: h, sessionID: sessionID, sub: sub}
}

func (h *Hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub == nil || sub.closed {
		return
	}
	if s, ok := h.sessions[sessionID]; ok {
		delete(s.subs, sub)
	}
	sub.closed = true
	close(sub.ch)
	observability.StateChannelSubscribers.Dec()
}

// RemoveSession poisons every subscriber queue and drops the entry. Removing
// an absent session is a no-op.
func (h *Hub) RemoveSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for sub := range s.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
			observability.StateChannelSubscribers.Dec()
		}
	}
	delete(h.sessions, sessionID)
}

// Snapshot reports the current status and seq of a session channel.
func (h *Hub) Snapshot(sessionID string) (status string, seq int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, found := h.sessions[sessionID]
	if !found {
		return "", 0, false
	}
	return s.status, s.seq, true
}

// Len reports how many session channels exist.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func formatFrame(seq int64, event string, obj map[string]any) string {
	data, err := json.Marshal(obj)
	if err != nil {
		// Payloads are built from JSON-safe values; a failure here is a
		// programming error worth surfacing to the client as text.
		data = []byte(fmt.Sprintf(`{"seq":%d,"type":"error","error":"marshal: %s"}`, seq, err))
	}
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event, data)
}
