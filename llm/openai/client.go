// Package openai implements llm.Client for the OpenAI Chat Completions API.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	base "github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/observability"
)

// Client implements llm.Client for the OpenAI official SDK.
type Client struct {
	client  oa.Client
	cfg     Config
	retrier *base.Retrier
}

// Config configures the OpenAI client.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	Retry        base.RetryConfig
	Organization string
	Hooks        *observability.Hooks
}

// NewClient creates an OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = base.DefaultRetryConfig()
	}

	opts := []option.RequestOption{option.WithHTTPClient(&http.Client{})}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	c := oa.NewClient(opts...)
	return &Client{client: c, cfg: cfg, retrier: base.NewRetrier(cfg.Retry)}, nil
}

func (c *Client) Model() string { return c.cfg.Model }

// Chat performs a single non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *base.ChatRequest) (*base.Response, error) {
	model := pickModel(req, c.cfg.Model)
	c.cfg.Hooks.SafeLLMRequest(ctx, "openai", model, map[string]any{"operation": "chat"})
	start := time.Now()
	var resp *oa.ChatCompletion
	err := c.retrier.Do(ctx, func() error {
		r, err := c.client.Chat.Completions.New(ctx, c.toParams(req, model))
		if err != nil {
			return classify(err)
		}
		resp = r
		return nil
	})
	c.cfg.Hooks.SafeLLMResponse(ctx, "openai", model, time.Since(start), map[string]any{"operation": "chat", "error": err != nil})
	if err != nil {
		return nil, err
	}
	return fromOAResponse(resp), nil
}

// ChatStream opens a delta stream over the SDK's chunk stream.
func (c *Client) ChatStream(ctx context.Context, req *base.ChatRequest) (base.Stream, error) {
	model := pickModel(req, c.cfg.Model)
	params := c.toParams(req, model)
	params.StreamOptions = oa.ChatCompletionStreamOptionsParam{IncludeUsage: oa.Bool(true)}
	c.cfg.Hooks.SafeLLMRequest(ctx, "openai", model, map[string]any{"operation": "chat_stream"})
	s := c.client.Chat.Completions.NewStreaming(ctx, params)
	return &oaStream{inner: s, model: model, started: time.Now(), hooks: c.cfg.Hooks}, nil
}

// oaStreamCore matches the subset of the SDK stream API we use; tests
// substitute a fake.
type oaStreamCore interface {
	Next() bool
	Current() oa.ChatCompletionChunk
	Err() error
	Close() error
}

type oaStream struct {
	inner   oaStreamCore
	model   string
	closed  bool
	usage   *base.Usage
	started time.Time
	hooks   *observability.Hooks
}

func (s *oaStream) Recv(ctx context.Context) (base.Delta, error) {
	if s.closed {
		return base.Delta{}, base.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		s.terminate(ctx, true)
		return base.Delta{}, err
	}
	for s.inner.Next() {
		ev := s.inner.Current()
		if ev.Usage.TotalTokens > 0 {
			s.usage = &base.Usage{
				InputTokens:  int(ev.Usage.PromptTokens),
				OutputTokens: int(ev.Usage.CompletionTokens),
				TotalTokens:  int(ev.Usage.TotalTokens),
			}
		}
		for _, ch := range ev.Choices {
			if ch.Delta.Content != "" {
				return base.Delta{Type: base.DeltaTypeText, Text: ch.Delta.Content, Provider: "openai", Model: s.model}, nil
			}
		}
	}
	if err := s.inner.Err(); err != nil {
		s.terminate(ctx, true)
		return base.Delta{}, classify(err)
	}
	s.terminate(ctx, false)
	return base.Delta{Type: base.DeltaTypeDone, Provider: "openai", Model: s.model, Usage: s.usage}, nil
}

func (s *oaStream) terminate(ctx context.Context, failed bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.hooks.SafeLLMResponse(ctx, "openai", s.model, time.Since(s.started), map[string]any{"operation": "chat_stream", "error": failed})
}

func (s *oaStream) Close() error {
	s.closed = true
	return s.inner.Close()
}

func classify(err error) error {
	var apierr *oa.Error
	if errors.As(err, &apierr) {
		return base.ClassifyHTTP("openai", apierr.StatusCode, err)
	}
	return base.WrapError(base.ClassUpstream, base.CodeUpstreamError, "openai request failed", err)
}

func (c *Client) toParams(req *base.ChatRequest, model string) oa.ChatCompletionNewParams {
	params := oa.ChatCompletionNewParams{Messages: toOAMessages(req)}
	if model != "" {
		params.Model = shared.ChatModel(model)
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = oa.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = oa.Float(c.cfg.Temperature)
	}
	return params
}

func toOAMessages(req *base.ChatRequest) []oa.ChatCompletionMessageParamUnion {
	msgs := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfSystem: &oa.ChatCompletionSystemMessageParam{Content: oa.ChatCompletionSystemMessageParamContentUnion{OfString: oa.String(req.SystemPrompt)}}})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfAssistant: &oa.ChatCompletionAssistantMessageParam{Content: oa.ChatCompletionAssistantMessageParamContentUnion{OfString: oa.String(m.Content)}}})
		default:
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfUser: &oa.ChatCompletionUserMessageParam{Content: oa.ChatCompletionUserMessageParamContentUnion{OfString: oa.String(m.Content)}}})
		}
	}
	return msgs
}

func fromOAResponse(r *oa.ChatCompletion) *base.Response {
	if r == nil || len(r.Choices) == 0 {
		return &base.Response{Provider: "openai"}
	}
	choice := r.Choices[0]
	return &base.Response{
		Content:      choice.Message.Content,
		Provider:     "openai",
		Model:        string(r.Model),
		FinishReason: string(choice.FinishReason),
		Usage: &base.Usage{
			InputTokens:  int(r.Usage.PromptTokens),
			OutputTokens: int(r.Usage.CompletionTokens),
			TotalTokens:  int(r.Usage.TotalTokens),
		},
	}
}

func pickModel(req *base.ChatRequest, fallback string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return fallback
}
