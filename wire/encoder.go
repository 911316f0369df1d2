package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roblevine/chatstream/llm"
)

// Encoder serializes stream events as SSE frames, flushing after every write
// so time to first token is bounded by the provider, not by buffering.
type Encoder struct {
	w     io.Writer
	flush func()
}

// NewEncoder wraps w. If w implements http.Flusher each frame is flushed as
// it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// WriteEvent writes one framed event and flushes.
func (e *Encoder) WriteEvent(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteComment writes an SSE comment frame (used as a heartbeat). Decoders
// discard it.
func (e *Encoder) WriteComment(s string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", s); err != nil {
		return err
	}
	e.flush()
	return nil
}

// EncodeOptions tunes EncodeStream.
type EncodeOptions struct {
	// Heartbeat emits ": ping" comment frames at this interval while the
	// provider is quiet. Zero disables heartbeats.
	Heartbeat time.Duration
	// OnEvent observes each event after it is written.
	OnEvent func(Event)
}

type pulled struct {
	delta llm.Delta
	err   error
}

// EncodeStream drains s into e: one token event per non-empty text delta,
// then exactly one terminal event. Provider failures become an error event
// carrying the stable code from the classified error; they never propagate
// past the encoder unframed. Cancelling ctx stops the provider pull promptly
// and returns ctx.Err without writing further frames. The stream is closed
// before returning.
func EncodeStream(ctx context.Context, s llm.Stream, e *Encoder, opts EncodeOptions) error {
	defer s.Close()

	ch := make(chan pulled)
	go func() {
		defer close(ch)
		for {
			d, err := s.Recv(ctx)
			select {
			case ch <- pulled{d, err}:
			case <-ctx.Done():
				return
			}
			if err != nil || d.Type == llm.DeltaTypeDone {
				return
			}
		}
	}()

	var hbC <-chan time.Time
	if opts.Heartbeat > 0 {
		hb := time.NewTicker(opts.Heartbeat)
		defer hb.Stop()
		hbC = hb.C
	}

	emit := func(ev Event) error {
		if err := e.WriteEvent(ev); err != nil {
			return err
		}
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hbC:
			if err := e.WriteComment("ping"); err != nil {
				return err
			}
		case p, ok := <-ch:
			if !ok {
				// Pull goroutine exited on cancellation.
				return ctx.Err()
			}
			if p.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if werr := emit(Errorf(llm.CodeOf(p.err), "%s", p.err.Error())); werr != nil {
					return werr
				}
				return p.err
			}
			switch p.delta.Type {
			case llm.DeltaTypeText:
				if p.delta.Text == "" {
					continue
				}
				if err := emit(Token(p.delta.Text)); err != nil {
					return err
				}
			case llm.DeltaTypeDone:
				total := 0
				if p.delta.Usage != nil {
					total = p.delta.Usage.TotalTokens
				}
				return emit(Complete(p.delta.Model, total))
			}
		}
	}
}
