package llm

import (
	"context"
	"errors"
)

// DeltaType identifies the kind of streaming event emitted by a provider.
type DeltaType string

const (
	DeltaTypeText DeltaType = "text"
	DeltaTypeDone DeltaType = "done"
)

// Delta is one provider-neutral fragment of a streamed completion. Deltas are
// ordered: concatenating the Text of every text delta in emission order yields
// the full response. A delta is produced exactly once per request.
type Delta struct {
	Type DeltaType `json:"type"`
	Text string    `json:"text,omitempty"`
	// Provider/model are optional hints for observability.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// Usage is set on the done delta when the provider reports it.
	Usage *Usage `json:"usage,omitempty"`
}

// Stream provides a pull-based API over provider event streams. A well-formed
// stream yields zero or more text deltas followed by exactly one done delta;
// a provider failure surfaces as a single non-nil error from Recv, after
// which the stream is closed. Recv never silently truncates.
type Stream interface {
	Recv(ctx context.Context) (Delta, error)
	Close() error
}

// ErrStreamClosed indicates Recv was called after Close or a terminal event.
var ErrStreamClosed = errors.New("stream closed")

// Drain pulls the stream to completion and concatenates all text deltas.
// It is the synchronous-fallback path: the full response text plus the
// terminal delta (for model/usage) are returned together.
func Drain(ctx context.Context, s Stream) (string, Delta, error) {
	defer s.Close()
	var text string
	for {
		d, err := s.Recv(ctx)
		if err != nil {
			return text, Delta{}, err
		}
		switch d.Type {
		case DeltaTypeText:
			text += d.Text
		case DeltaTypeDone:
			return text, d, nil
		}
	}
}
