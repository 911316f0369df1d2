// Package server exposes the chatstream HTTP API: chat completion with
// streaming and synchronous modes, the model catalog, conversation CRUD, and
// health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/observability"
	"github.com/roblevine/chatstream/store"
)

// MaxMessageChars bounds the user prompt length.
const MaxMessageChars = 10000

// Config for the HTTP server.
type Config struct {
	Catalog             *llm.Catalog
	Store               store.Store
	Port                int
	ReadTimeout         time.Duration
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
	Hooks               *observability.Hooks
}

// Server serves the chatstream API.
type Server struct {
	catalog *llm.Catalog
	store   store.Store
	config  Config
	hooks   *observability.Hooks
	http    *http.Server
}

// New constructs the server.
func New(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	s := &Server{catalog: cfg.Catalog, store: cfg.Store, config: cfg, hooks: cfg.Hooks}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/api/models", s.handleModels)
	r.Post("/api/chat", s.handleChat)
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Get("/{id}", s.handleGetConversation)
		r.Patch("/{id}", s.handleRenameConversation)
		r.Delete("/{id}", s.handleDeleteConversation)
	})

	s.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays zero: streaming responses are held open for
		// the life of the generation.
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start the HTTP server.
func (s *Server) Start() error {
	log.Printf("[Server] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Printf("[Server] shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  s.catalog.Models(),
		"default": s.catalog.Default(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorDocument is the single-document error body.
type errorDocument struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses: client input 400,
// schema 422, upstream unavailability 503, internal fault 500.
func statusFor(err error) int {
	switch llm.ClassOf(err) {
	case llm.ClassClientInput:
		return http.StatusBadRequest
	case llm.ClassSchema:
		return http.StatusUnprocessableEntity
	case llm.ClassUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorDocument{Status: "error", Error: err.Error(), Code: llm.CodeOf(err)})
}
