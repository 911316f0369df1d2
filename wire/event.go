// Package wire defines the framed event stream exchanged between server and
// client: token/complete/error events carried as self-delimiting SSE records
// of the form "data: {json}\n\n". Each frame is independently parseable once
// fully received, so the stream tolerates arbitrary byte-boundary splits in
// transit.
package wire

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	EventToken    EventType = "token"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one wire-level stream event. A well-formed stream carries zero or
// more token events followed by exactly one terminal event.
type Event struct {
	Type EventType `json:"type"`
	// Content carries the text fragment of a token event.
	Content string `json:"content,omitempty"`
	// Model and TotalTokens annotate a complete event.
	Model       string `json:"model,omitempty"`
	TotalTokens int    `json:"totalTokens,omitempty"`
	// Error and Code annotate an error event.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Token builds a token event.
func Token(content string) Event {
	return Event{Type: EventToken, Content: content}
}

// Complete builds the success terminal event.
func Complete(model string, totalTokens int) Event {
	return Event{Type: EventComplete, Model: model, TotalTokens: totalTokens}
}

// Errorf builds the failure terminal event.
func Errorf(code, format string, args ...any) Event {
	return Event{Type: EventError, Code: code, Error: fmt.Sprintf(format, args...)}
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ParseEvent decodes one frame payload into an Event.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventToken, EventComplete, EventError:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
}
