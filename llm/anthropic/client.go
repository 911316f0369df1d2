// Package anthropic implements llm.Client for the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"time"

	anth "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	base "github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/observability"
)

// Client implements llm.Client for Anthropic Claude models.
type Client struct {
	client  anth.Client
	cfg     Config
	retrier *base.Retrier
}

// Config configures the Anthropic client.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retry       base.RetryConfig
	Hooks       *observability.Hooks
}

// NewClient creates an Anthropic client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = base.DefaultRetryConfig()
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// No global client timeout for streaming; long generations are bounded
	// by the caller's context instead.
	opts = append(opts, option.WithHTTPClient(&http.Client{}))
	c := anth.NewClient(opts...)
	return &Client{client: c, cfg: cfg, retrier: base.NewRetrier(cfg.Retry)}, nil
}

func (c *Client) Model() string { return c.cfg.Model }

// Chat performs a single non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *base.ChatRequest) (*base.Response, error) {
	model := pickModel(req, c.cfg.Model)
	c.cfg.Hooks.SafeLLMRequest(ctx, "anthropic", model, map[string]any{"operation": "chat"})
	start := time.Now()
	var out *anth.Message
	err := c.retrier.Do(ctx, func() error {
		resp, err := c.client.Messages.New(ctx, toAnthParams(req, c.cfg))
		if err != nil {
			return classify(err)
		}
		out = resp
		return nil
	})
	c.cfg.Hooks.SafeLLMResponse(ctx, "anthropic", model, time.Since(start), map[string]any{"operation": "chat", "error": err != nil})
	if err != nil {
		return nil, err
	}
	return fromAnthMessage(out), nil
}

// ChatStream opens a delta stream over the SDK's SSE event stream.
func (c *Client) ChatStream(ctx context.Context, req *base.ChatRequest) (base.Stream, error) {
	params := toAnthParams(req, c.cfg)
	c.cfg.Hooks.SafeLLMRequest(ctx, "anthropic", string(params.Model), map[string]any{"operation": "chat_stream"})
	s := c.client.Messages.NewStreaming(ctx, params)
	return &anthStream{inner: s, model: string(params.Model), started: time.Now(), hooks: c.cfg.Hooks}, nil
}

type anthStream struct {
	inner   *ssestream.Stream[anth.MessageStreamEventUnion]
	model   string
	closed  bool
	usage   base.Usage
	started time.Time
	hooks   *observability.Hooks
}

func (s *anthStream) Recv(ctx context.Context) (base.Delta, error) {
	if s.closed {
		return base.Delta{}, base.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		s.terminate(ctx, true)
		return base.Delta{}, err
	}
	for s.inner.Next() {
		ev := s.inner.Current()
		switch v := ev.AsAny().(type) {
		case anth.MessageStartEvent:
			s.usage.InputTokens = int(v.Message.Usage.InputTokens)
		case anth.ContentBlockDeltaEvent:
			if d, ok := v.Delta.AsAny().(anth.TextDelta); ok && d.Text != "" {
				return base.Delta{Type: base.DeltaTypeText, Text: d.Text, Provider: "anthropic", Model: s.model}, nil
			}
		case anth.MessageDeltaEvent:
			s.usage.OutputTokens = int(v.Usage.OutputTokens)
		case anth.MessageStopEvent:
			s.terminate(ctx, false)
			u := s.usage
			u.TotalTokens = u.InputTokens + u.OutputTokens
			return base.Delta{Type: base.DeltaTypeDone, Provider: "anthropic", Model: s.model, Usage: &u}, nil
		}
	}
	if err := s.inner.Err(); err != nil {
		s.terminate(ctx, true)
		return base.Delta{}, classify(err)
	}
	// Upstream closed without message_stop; still a clean end of sequence.
	s.terminate(ctx, false)
	return base.Delta{Type: base.DeltaTypeDone, Provider: "anthropic", Model: s.model}, nil
}

func (s *anthStream) terminate(ctx context.Context, failed bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.hooks.SafeLLMResponse(ctx, "anthropic", s.model, time.Since(s.started), map[string]any{"operation": "chat_stream", "error": failed})
}

func (s *anthStream) Close() error {
	s.closed = true
	return s.inner.Close()
}

func classify(err error) error {
	var apierr *anth.Error
	if errors.As(err, &apierr) {
		return base.ClassifyHTTP("anthropic", apierr.StatusCode, err)
	}
	return base.WrapError(base.ClassUpstream, base.CodeUpstreamError, "anthropic request failed", err)
}

func toAnthParams(req *base.ChatRequest, cfg Config) anth.MessageNewParams {
	msgs := make([]anth.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anth.MessageParamRoleUser
		if m.Role == "assistant" {
			role = anth.MessageParamRoleAssistant
		}
		msgs = append(msgs, anth.MessageParam{
			Role: role,
			Content: []anth.ContentBlockParamUnion{{
				OfText: &anth.TextBlockParam{Text: m.Content},
			}},
		})
	}
	params := anth.MessageNewParams{
		Messages:  msgs,
		MaxTokens: int64(cfg.MaxTokens),
		Model:     anth.Model(pickModel(req, cfg.Model)),
	}
	if req.SystemPrompt != "" {
		params.System = []anth.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anth.Float(cfg.Temperature)
	}
	return params
}

func fromAnthMessage(m *anth.Message) *base.Response {
	if m == nil {
		return &base.Response{Provider: "anthropic"}
	}
	var content string
	for _, c := range m.Content {
		if c.Text != "" {
			content += c.Text
		}
	}
	return &base.Response{
		Content:      content,
		Provider:     "anthropic",
		Model:        string(m.Model),
		FinishReason: string(m.StopReason),
		Usage: &base.Usage{
			InputTokens:  int(m.Usage.InputTokens),
			OutputTokens: int(m.Usage.OutputTokens),
			TotalTokens:  int(m.Usage.InputTokens + m.Usage.OutputTokens),
		},
	}
}

func pickModel(req *base.ChatRequest, fallback string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return fallback
}
