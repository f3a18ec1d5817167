package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/stream"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// Chat status values pushed through the state channel.
const (
	chatStatusGenerating = "generating"
	chatStatusIdle       = "idle"
	chatStatusError      = "error"
)

// StreamChatHandler attaches an SSE subscriber to the chat session's state
// channel. Last-Event-ID resumes from the client's cursor; a cursor older
// than the retained log gets a single full_sync frame instead.
func (s *Server) StreamChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument))
			return
		}
		replay, sub := s.Hub.Subscribe(id, lastEventID(r))
		defer sub.Close()
		sw, err := newSSEWriter(w)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		for _, frame := range replay {
			if err := sw.frame(frame); err != nil {
				return
			}
		}
		sw.pump(r, sub.C, s.Cfg.SSEHeartbeat)
	}
}

// PostChatMessageHandler accepts a user message, echoes it onto the state
// channel, and streams the reply through the gateway in a detached
// goroutine. Responds 202 immediately; subscribers watch the deltas.
func (s *Server) PostChatMessageHandler() http.HandlerFunc {
	type req struct {
		Content      string           `json:"content" validate:"omitempty,max=200000"`
		Messages     []stream.Message `json:"messages" validate:"omitempty,max=500"`
		Backend      string           `json:"backend" validate:"omitempty,oneof=claude codex gemini opencode"`
		Model        string           `json:"model" validate:"omitempty,max=200"`
		AccountEmail string           `json:"account_email" validate:"omitempty,email"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument))
			return
		}
		var in req
		if err := decodeValid(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if in.Content == "" && len(in.Messages) == 0 {
			writeError(w, r, fmt.Errorf("%w: content or messages required", domain.ErrInvalidArgument))
			return
		}
		backend := domain.BackendClaude
		if in.Backend != "" {
			backend = domain.Backend(in.Backend)
		}
		messages := in.Messages
		if len(messages) == 0 {
			messages = []stream.Message{{Role: "user", Content: in.Content}}
		}
		if last := messages[len(messages)-1]; last.Role != "user" {
			writeError(w, r, fmt.Errorf("%w: conversation must end with a user message", domain.ErrInvalidArgument))
			return
		}

		s.Hub.Init(id)
		s.Hub.PushDelta(id, "message", map[string]any{
			"role":    "user",
			"content": messages[len(messages)-1].Content,
		})
		s.Hub.PushStatus(id, chatStatusGenerating)

		// The generation outlives this request; keep trace context, drop the
		// request cancellation. The gateway applies its own timeouts.
		ctx := context.WithoutCancel(r.Context())
		go s.generate(ctx, id, stream.ChatRequest{
			Backend:      backend,
			Model:        in.Model,
			AccountEmail: in.AccountEmail,
			Messages:     messages,
		})

		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "accepted"})
	}
}

// generate bridges gateway deltas onto the state channel.
func (s *Server) generate(ctx context.Context, id string, req stream.ChatRequest) {
	err := s.Gateway.StreamChat(ctx, req, func(d stream.Delta) {
		switch d.Type {
		case stream.DeltaContent:
			s.Hub.PushDelta(id, string(stream.DeltaContent), map[string]any{"text": d.Text})
		case stream.DeltaToolCall:
			s.Hub.PushDelta(id, string(stream.DeltaToolCall), map[string]any{"tool_call": d.ToolCall})
		case stream.DeltaFinish:
			s.Hub.PushDelta(id, string(stream.DeltaFinish), map[string]any{"finish_reason": d.FinishReason})
		case stream.DeltaError:
			s.Hub.PushDelta(id, string(stream.DeltaError), map[string]any{"error": d.Error})
		}
	})
	if err != nil {
		slog.Warn("chat generation failed",
			slog.String("chat_session_id", id),
			slog.String("backend", string(req.Backend)),
			slog.Any("error", err))
		s.Hub.PushDelta(id, string(stream.DeltaError), map[string]any{"error": err.Error()})
		s.Hub.PushStatus(id, chatStatusError)
		return
	}
	s.Hub.PushStatus(id, chatStatusIdle)
}
