package observability

import (
	"context"
	"time"
)

// Hooks provides optional callbacks for logging, metrics, and tracing without
// introducing dependencies in the core library. All functions are optional.
type Hooks struct {
	// Logf logs a structured message with a severity level and key-value fields.
	Logf func(ctx context.Context, level string, msg string, fields map[string]any)

	// OnLLMRequest is called before a provider request is sent.
	OnLLMRequest func(ctx context.Context, provider string, model string, meta map[string]any)
	// OnLLMResponse is called after a provider response is received or a
	// stream reaches its terminal event.
	OnLLMResponse func(ctx context.Context, provider string, model string, latency time.Duration, meta map[string]any)
	// OnStreamEvent is called for each wire event written by the server.
	OnStreamEvent func(ctx context.Context, eventType string, meta map[string]any)
}

// SafeLog logs if Logf is configured.
func (h *Hooks) SafeLog(ctx context.Context, level string, msg string, fields map[string]any) {
	if h != nil && h.Logf != nil {
		h.Logf(ctx, level, msg, fields)
	}
}

// SafeLLMRequest invokes OnLLMRequest if configured.
func (h *Hooks) SafeLLMRequest(ctx context.Context, provider string, model string, meta map[string]any) {
	if h != nil && h.OnLLMRequest != nil {
		h.OnLLMRequest(ctx, provider, model, meta)
	}
}

// SafeLLMResponse invokes OnLLMResponse if configured.
func (h *Hooks) SafeLLMResponse(ctx context.Context, provider string, model string, latency time.Duration, meta map[string]any) {
	if h != nil && h.OnLLMResponse != nil {
		h.OnLLMResponse(ctx, provider, model, latency, meta)
	}
}

// SafeStreamEvent invokes OnStreamEvent if configured.
func (h *Hooks) SafeStreamEvent(ctx context.Context, eventType string, meta map[string]any) {
	if h != nil && h.OnStreamEvent != nil {
		h.OnStreamEvent(ctx, eventType, meta)
	}
}
