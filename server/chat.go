package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/store"
	"github.com/roblevine/chatstream/wire"
)

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the synchronous-mode success document.
type ChatResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model"`
}

// handleChat negotiates the response mode from the Accept header: a declared
// preference for text/event-stream selects streaming; anything else gets the
// backward-compatible single document.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req ChatRequest
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, llm.WrapError(llm.ClassSchema, llm.CodeInvalidRequest, "invalid request body", err))
		return
	}
	if req.Message == "" {
		s.writeError(w, llm.NewError(llm.ClassClientInput, llm.CodeEmptyMessage, "message is required"))
		return
	}
	if len([]rune(req.Message)) > MaxMessageChars {
		s.writeError(w, llm.NewError(llm.ClassClientInput, llm.CodeMessageTooLong, "message exceeds maximum length"))
		return
	}

	client, model, err := s.catalog.Resolve(req.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	history, err := s.loadHistory(r.Context(), req.ConversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	creq := &llm.ChatRequest{
		Messages: append(history, llm.Message{Role: "user", Content: req.Message}),
		Model:    model,
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.chatStreaming(w, r, client, creq, req)
		return
	}
	s.chatSync(w, r, client, creq, req)
}

// loadHistory returns the prior turns of a conversation as provider messages.
func (s *Server) loadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	if conversationID == "" {
		return nil, nil
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, llm.NewError(llm.ClassClientInput, llm.CodeInvalidRequest, "unknown conversation: "+conversationID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Server) chatSync(w http.ResponseWriter, r *http.Request, client llm.Client, creq *llm.ChatRequest, req ChatRequest) {
	resp, err := client.Chat(r.Context(), creq)
	if err != nil {
		log.Printf("[Server] chat failed: %v", err)
		s.writeError(w, err)
		return
	}
	s.persistExchange(req, resp.Content, resp.Model, store.StatusCompleted)
	writeJSON(w, http.StatusOK, ChatResponse{
		Status:    "success",
		Message:   resp.Content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Model:     resp.Model,
	})
}

func (s *Server) chatStreaming(w http.ResponseWriter, r *http.Request, client llm.Client, creq *llm.ChatRequest, req ChatRequest) {
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, llm.NewError(llm.ClassInternal, llm.CodeInternal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	enc := wire.NewEncoder(w)

	stream, err := client.ChatStream(r.Context(), creq)
	if err != nil {
		// The promised content type is the event stream, so even an
		// immediate failure is delivered as the one terminal event.
		_ = enc.WriteEvent(wire.Errorf(llm.CodeOf(err), "%s", err.Error()))
		return
	}

	var acc strings.Builder
	var terminal wire.Event
	model := creq.Model
	encErr := wire.EncodeStream(r.Context(), stream, enc, wire.EncodeOptions{
		Heartbeat: s.config.HeartbeatInterval,
		OnEvent: func(ev wire.Event) {
			s.hooks.SafeStreamEvent(r.Context(), string(ev.Type), map[string]any{"model": model})
			switch ev.Type {
			case wire.EventToken:
				acc.WriteString(ev.Content)
			default:
				terminal = ev
			}
		},
	})

	status := store.StatusCompleted
	switch {
	case errors.Is(encErr, context.Canceled) || r.Context().Err() != nil:
		// Client went away mid-stream; the provider pull has been released.
		status = store.StatusAborted
		log.Printf("[Server] stream aborted by client, %d chars kept", acc.Len())
	case terminal.Type == wire.EventError:
		status = store.StatusErrored
		log.Printf("[Server] stream errored: %s (%s)", terminal.Error, terminal.Code)
	}
	if terminal.Type == wire.EventComplete && terminal.Model != "" {
		model = terminal.Model
	}
	s.persistExchange(req, acc.String(), model, status)
}

// persistExchange appends the user turn and the (possibly partial) assistant
// turn when the request names a conversation. Partial text from aborted or
// errored streams is stored with its status annotation.
func (s *Server) persistExchange(req ChatRequest, assistantText, model string, status store.MessageStatus) {
	if req.ConversationID == "" {
		return
	}
	// The request context may already be canceled; persistence still runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Message,
		Status:         store.StatusCompleted,
	}); err != nil {
		log.Printf("[Server] persist user message: %v", err)
		return
	}
	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        assistantText,
		Model:          model,
		Status:         status,
	}); err != nil {
		log.Printf("[Server] persist assistant message: %v", err)
	}
}
