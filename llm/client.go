// Package llm defines the provider-agnostic completion interface used by the
// chatstream server, along with the model catalog that routes requests to
// provider clients.
package llm

import (
	"context"
	"time"
)

// Client is the provider-agnostic LLM interface. Implementations wrap one
// vendor SDK; swapping implementations must not change the Delta contract.
type Client interface {
	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)
	// ChatStream opens a lazy, finite, non-restartable delta stream. The
	// caller owns the stream and must Close it; cancelling ctx releases
	// in-flight provider resources at the next Recv.
	ChatStream(ctx context.Context, req *ChatRequest) (Stream, error)
	// Model returns the provider-side model identifier this client targets.
	Model() string
}

// Message represents a single role/content entry in a chat.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized chat request sent to providers. Immutable
// once dispatched.
type ChatRequest struct {
	Messages     []Message `json:"messages"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

// Usage contains token usage accounting when provided by the model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the normalized provider response.
type Response struct {
	Content      string `json:"content"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// RetryConfig controls retry behavior for non-streaming provider calls.
// Streams are never retried: a delta sequence is non-restartable.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns sane defaults for provider retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}
