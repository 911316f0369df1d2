// Package client is the Go client for the chatstream API: a thin HTTP
// wrapper plus a session controller that owns per-conversation streaming
// state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/wire"
)

// ChatRequest is the request body for both modes.
type ChatRequest struct {
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the synchronous-mode response document.
type ChatResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Client talks to a chatstream server.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client. The default has no
// timeout; streams are bounded by context and the session activity timer.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, httpc: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send performs a synchronous (single-document) chat request.
func (c *Client) Send(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, req, "application/json")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || doc.Status != "success" {
		msg := doc.Error
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return nil, llm.NewError(classForStatus(resp.StatusCode), codeOr(doc.Code, llm.CodeUpstreamError), msg)
	}
	return &doc, nil
}

// SendStream performs a streaming chat request, dispatching decoded events to
// h in arrival order. It returns when the stream reaches a terminal event,
// the context is cancelled, or the transport fails. A stream that ends
// without a terminal event surfaces as a synthesized error callback plus
// wire.ErrTruncatedStream.
func (c *Client) SendStream(ctx context.Context, req ChatRequest, h wire.Handler) error {
	httpReq, err := c.newRequest(ctx, req, "text/event-stream")
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Pre-stream rejections (validation, unknown model) come back as a
	// single JSON error document.
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var doc ChatResponse
		if jerr := json.Unmarshal(body, &doc); jerr == nil && doc.Error != "" {
			return llm.NewError(classForStatus(resp.StatusCode), codeOr(doc.Code, llm.CodeUpstreamError), doc.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	dec := wire.NewDecoder(h)
	return dec.ReadAll(ctx, resp.Body)
}

func (c *Client) newRequest(ctx context.Context, req ChatRequest, accept string) (*http.Request, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	return httpReq, nil
}

func classForStatus(status int) llm.ErrorClass {
	switch {
	case status == http.StatusUnprocessableEntity:
		return llm.ClassSchema
	case status >= 400 && status < 500:
		return llm.ClassClientInput
	case status == http.StatusServiceUnavailable:
		return llm.ClassUpstream
	default:
		return llm.ClassInternal
	}
}

func codeOr(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}
