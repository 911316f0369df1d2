package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roblevine/chatstream/llm"
)

// Status is the lifecycle state of a streaming session:
// idle -> streaming -> {completed | errored | aborted | timed_out}.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status ends a session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}

var (
	// ErrSessionActive is returned when a send is attempted while a stream
	// is already in flight for the same conversation. Streams are never
	// silently interleaved.
	ErrSessionActive = errors.New("a stream is already active for this conversation")
	// ErrAborted marks a user-cancelled session. Not a failure: partial
	// text is preserved.
	ErrAborted = errors.New("session aborted")
	// ErrTimedOut marks a session that saw no activity within the bound.
	ErrTimedOut = errors.New("session timed out waiting for activity")
)

// Sink receives the finished (or partial) assistant message with its
// terminal status.
type Sink interface {
	SaveMessage(ctx context.Context, conversationID, text, model string, status Status) error
}

// ControllerConfig tunes the session controller.
type ControllerConfig struct {
	// ActivityTimeout bounds the wait for the next token or terminal
	// event; the clock starts before the first token too. Default 30s.
	ActivityTimeout time.Duration
	// Sink, when set, is handed every terminal session's text and status.
	Sink Sink
	// OnToken, when set, observes each appended fragment (UI updates).
	OnToken func(conversationID, fragment string)
}

// Controller owns per-conversation streaming sessions: at most one in flight
// per conversation at a time.
type Controller struct {
	client *Client
	cfg    ControllerConfig

	mu     sync.Mutex
	active map[string]*Session
}

// NewController creates a session controller over c.
func NewController(c *Client, cfg ControllerConfig) *Controller {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Second
	}
	return &Controller{client: c, cfg: cfg, active: make(map[string]*Session)}
}

// Send opens a streaming exchange. It returns ErrSessionActive if one is
// already in flight for the conversation; it never interleaves two streams
// into one accumulator.
func (sc *Controller) Send(ctx context.Context, req ChatRequest) (*Session, error) {
	key := req.ConversationID
	if key == "" {
		// Anonymous sends each get their own session slot.
		key = uuid.NewString()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		key:            key,
		conversationID: req.ConversationID,
		status:         StatusStreaming,
		cancel:         cancel,
		done:           make(chan struct{}),
		timeout:        sc.cfg.ActivityTimeout,
		onToken:        sc.cfg.OnToken,
	}

	sc.mu.Lock()
	if _, busy := sc.active[key]; busy {
		sc.mu.Unlock()
		cancel()
		return nil, ErrSessionActive
	}
	sc.active[key] = s
	sc.mu.Unlock()

	s.timer = time.AfterFunc(s.timeout, s.onTimeout)
	go sc.run(sctx, s, req)
	return s, nil
}

// Active reports whether a stream is in flight for the conversation.
func (sc *Controller) Active(conversationID string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, busy := sc.active[conversationID]
	return busy
}

func (sc *Controller) run(ctx context.Context, s *Session, req ChatRequest) {
	err := sc.client.SendStream(ctx, req, s)
	s.settle(err)
	s.timer.Stop()
	s.cancel()

	sc.mu.Lock()
	delete(sc.active, s.key)
	sc.mu.Unlock()

	if sc.cfg.Sink != nil && s.conversationID != "" {
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sc.cfg.Sink.SaveMessage(pctx, s.conversationID, s.Text(), s.Model(), s.Status())
		pcancel()
	}
	close(s.done)
}

// Session tracks one in-flight or finished streaming exchange. Its text
// accumulator grows monotonically by concatenation and survives every
// terminal state: failures annotate partial text, they never discard it.
type Session struct {
	key            string
	conversationID string
	timeout        time.Duration
	cancel         context.CancelFunc
	timer          *time.Timer
	done           chan struct{}
	onToken        func(conversationID, fragment string)

	mu           sync.Mutex
	status       Status
	text         strings.Builder
	model        string
	totalTokens  int
	errMsg       string
	errCode      string
	lastActivity time.Time
}

// OnToken implements wire.Handler.
func (s *Session) OnToken(content string) {
	s.mu.Lock()
	if s.status != StatusStreaming {
		// Terminal already reached (e.g. timed out); drop late tokens.
		s.mu.Unlock()
		return
	}
	s.text.WriteString(content)
	s.lastActivity = time.Now()
	s.timer.Reset(s.timeout)
	notify := s.onToken
	s.mu.Unlock()
	if notify != nil {
		notify(s.conversationID, content)
	}
}

// OnComplete implements wire.Handler.
func (s *Session) OnComplete(model string, totalTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStreaming {
		return
	}
	s.status = StatusCompleted
	s.model = model
	s.totalTokens = totalTokens
	s.timer.Stop()
}

// OnError implements wire.Handler. Covers both server-sent error events and
// decoder-synthesized truncation errors.
func (s *Session) OnError(message, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStreaming {
		return
	}
	s.status = StatusErrored
	s.errMsg = message
	s.errCode = code
	s.timer.Stop()
}

// Cancel aborts the session. Cancellation propagates to the server so
// generation stops; accumulated text is kept.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status == StatusStreaming {
		s.status = StatusAborted
	}
	s.mu.Unlock()
	s.cancel()
}

// onTimeout fires when no activity was observed within the bound. The
// transition happens exactly once and tears down the transport, which in
// turn releases the server-side provider pull.
func (s *Session) onTimeout() {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		return
	}
	s.status = StatusTimedOut
	s.mu.Unlock()
	s.cancel()
}

// settle resolves sessions the stream left non-terminal: transport failures
// that produced no error callback.
func (s *Session) settle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStreaming {
		return
	}
	switch {
	case err == nil:
		// Decoder guarantees a terminal callback before a nil return;
		// treat the impossible gap as truncation.
		s.status = StatusErrored
		s.errMsg = "stream ended without terminal event"
		s.errCode = llm.CodeStreamTruncated
	case errors.Is(err, context.Canceled):
		s.status = StatusAborted
	default:
		s.status = StatusErrored
		s.errMsg = err.Error()
		s.errCode = llm.CodeOf(err)
	}
}

// Wait blocks until the session reaches a terminal state and all bookkeeping
// (sink persistence included) is finished.
func (s *Session) Wait() { <-s.done }

// Done returns a channel closed when the session is finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Text returns the accumulated response text so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Model returns the model reported by the terminal event, if any.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// TotalTokens returns the token usage from the complete event, if reported.
func (s *Session) TotalTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTokens
}

// Err describes how a terminal session ended: nil for completed (or still
// streaming), ErrAborted, ErrTimedOut, or the stream error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusErrored:
		return llm.NewError(llm.ClassUpstream, s.errCode, s.errMsg)
	case StatusAborted:
		return ErrAborted
	case StatusTimedOut:
		return ErrTimedOut
	}
	return nil
}
