package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/store"
)

// fakeStream replays scripted deltas, optionally ending in an error.
type fakeStream struct {
	idx    int
	closed bool
	deltas []llm.Delta
	err    error
}

func (s *fakeStream) Recv(ctx context.Context) (llm.Delta, error) {
	if s.closed {
		return llm.Delta{}, llm.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return llm.Delta{}, err
	}
	if s.idx >= len(s.deltas) {
		if s.err != nil {
			return llm.Delta{}, s.err
		}
		return llm.Delta{}, llm.ErrStreamClosed
	}
	d := s.deltas[s.idx]
	s.idx++
	return d, nil
}

func (s *fakeStream) Close() error { s.closed = true; return nil }

// fakeLLM scripts both modes of one provider client.
type fakeLLM struct {
	model   string
	text    string
	deltas  []llm.Delta
	err     error
	lastReq *llm.ChatRequest
}

func (f *fakeLLM) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.text, Model: f.model, Provider: "fake"}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	f.lastReq = req
	return &fakeStream{deltas: f.deltas, err: f.err}, nil
}

func (f *fakeLLM) Model() string { return f.model }

func helloLLM() *fakeLLM {
	return &fakeLLM{
		model: "model-a",
		text:  "Hello",
		deltas: []llm.Delta{
			{Type: llm.DeltaTypeText, Text: "Hel"},
			{Type: llm.DeltaTypeText, Text: "lo"},
			{Type: llm.DeltaTypeDone, Model: "model-a"},
		},
	}
}

func newTestServer(t *testing.T, clients map[string]llm.Client) (*Server, store.Store) {
	t.Helper()
	cat := llm.NewCatalog("model-a")
	for id, c := range clients {
		cat.Register(id, c)
	}
	st := store.NewInMemoryStore()
	srv, err := New(Config{Catalog: cat, Store: st, Port: 8080})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, st
}

func postChat(t *testing.T, srv *Server, body string, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestChat_SynchronousSuccess(t *testing.T) {
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})

	w := postChat(t, srv, `{"message":"Hi","model":"model-a"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp ChatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" || resp.Message != "Hello" || resp.Model != "model-a" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
}

func TestChat_SynchronousDefaultModel(t *testing.T) {
	f := helloLLM()
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": f})

	w := postChat(t, srv, `{"message":"Hi"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if f.lastReq.Model != "model-a" {
		t.Fatalf("request model = %q, want default model-a", f.lastReq.Model)
	}
}

func TestChat_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"empty message", `{"message":""}`, http.StatusBadRequest, llm.CodeEmptyMessage},
		{"missing message", `{}`, http.StatusBadRequest, llm.CodeEmptyMessage},
		{"over-length message", `{"message":"` + strings.Repeat("a", MaxMessageChars+1) + `"}`, http.StatusBadRequest, llm.CodeMessageTooLong},
		{"unknown model", `{"message":"Hi","model":"model-x"}`, http.StatusBadRequest, llm.CodeUnknownModel},
		{"broken json", `{"message":`, http.StatusUnprocessableEntity, llm.CodeInvalidRequest},
		{"unknown field", `{"message":"Hi","bogus":1}`, http.StatusUnprocessableEntity, llm.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})
			w := postChat(t, srv, tt.body, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			var doc errorDocument
			if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if doc.Status != "error" || doc.Code != tt.wantCode {
				t.Fatalf("document = %+v, want code %s", doc, tt.wantCode)
			}
		})
	}
}

func TestChat_SynchronousUpstreamFailure(t *testing.T) {
	f := &fakeLLM{model: "model-a", err: llm.NewError(llm.ClassUpstream, llm.CodeAuthFailed, "invalid api key")}
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": f})

	w := postChat(t, srv, `{"message":"Hi"}`, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
	var doc errorDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Status != "error" || doc.Error == "" {
		t.Fatalf("unexpected error document: %+v", doc)
	}
}

func TestChat_SyncPersistsExchange(t *testing.T) {
	srv, st := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})
	conv, err := st.CreateConversation(context.Background(), "test")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	body, _ := json.Marshal(ChatRequest{Message: "Hi", ConversationID: conv.ID})
	w := postChat(t, srv, string(body), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	msgs, err := st.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hi" {
		t.Fatalf("user turn = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello" || msgs[1].Status != store.StatusCompleted {
		t.Fatalf("assistant turn = %+v", msgs[1])
	}
}

func TestChat_HistoryIsForwarded(t *testing.T) {
	f := helloLLM()
	srv, st := newTestServer(t, map[string]llm.Client{"model-a": f})
	conv, _ := st.CreateConversation(context.Background(), "test")
	seed := []store.Message{
		{ConversationID: conv.ID, Role: "user", Content: "first", Status: store.StatusCompleted},
		{ConversationID: conv.ID, Role: "assistant", Content: "second", Status: store.StatusCompleted},
	}
	for i := range seed {
		if err := st.AppendMessage(context.Background(), &seed[i]); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	body, _ := json.Marshal(ChatRequest{Message: "third", ConversationID: conv.ID})
	if w := postChat(t, srv, string(body), ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	got := f.lastReq.Messages
	if len(got) != 3 {
		t.Fatalf("forwarded %d messages, want 3: %+v", len(got), got)
	}
	if got[0].Content != "first" || got[1].Content != "second" || got[2].Content != "third" {
		t.Fatalf("history order wrong: %+v", got)
	}
}

func TestChat_UnknownConversation(t *testing.T) {
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})
	w := postChat(t, srv, `{"message":"Hi","conversation_id":"nope"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestModelsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, map[string]llm.Client{
		"model-a": helloLLM(),
		"model-b": &fakeLLM{model: "model-b"},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var doc struct {
		Models  []string `json:"models"`
		Default string   `json:"default"`
	}
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Default != "model-a" || len(doc.Models) != 2 {
		t.Fatalf("unexpected models document: %+v", doc)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestConversationCRUD(t *testing.T) {
	srv, _ := newTestServer(t, map[string]llm.Client{"model-a": helloLLM()})
	h := srv.Handler()

	// create
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewReader([]byte(`{"title":"greetings"}`))))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", w.Code)
	}
	var conv store.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// rename
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/conversations/"+conv.ID, bytes.NewReader([]byte(`{"title":"renamed"}`))))
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d, want 200", w.Code)
	}

	// get
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	var got struct {
		Conversation store.Conversation `json:"conversation"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Conversation.Title != "renamed" {
		t.Fatalf("title = %q, want renamed", got.Conversation.Title)
	}

	// delete
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+conv.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}

	// gone
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", w.Code)
	}
}
