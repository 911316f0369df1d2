package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/roblevine/chatstream/llm"
)

// Handler receives decoded stream events in exact frame-arrival order. No two
// callbacks for the same decoder run concurrently. After a terminal callback
// (OnComplete or OnError) no further callbacks fire.
type Handler interface {
	OnToken(content string)
	OnComplete(model string, totalTokens int)
	OnError(message, code string)
}

// DecodeErrorReporter is optionally implemented by a Handler to observe
// malformed frames that were skipped without ending the session.
type DecodeErrorReporter interface {
	OnDecodeError(frame string, err error)
}

var (
	// ErrTruncatedStream marks an end-of-stream with no terminal event seen.
	ErrTruncatedStream = errors.New("stream ended before terminal event")
	// ErrMalformedStream marks too many unparseable frames.
	ErrMalformedStream = errors.New("malformed frame limit exceeded")
)

// DefaultMalformedLimit is the number of malformed frames tolerated
// (skip-and-continue) before the stream is declared failed.
const DefaultMalformedLimit = 1

// Decoder reassembles framed events from an incremental byte feed. Frames
// split at arbitrary byte boundaries across reads are handled by keeping the
// trailing partial frame buffered until the next feed.
type Decoder struct {
	h         Handler
	buf       []byte
	limit     int
	malformed int
	terminal  bool
}

// NewDecoder creates a decoder dispatching to h.
func NewDecoder(h Handler) *Decoder {
	return &Decoder{h: h, limit: DefaultMalformedLimit}
}

// SetMalformedLimit overrides the malformed-frame tolerance.
func (d *Decoder) SetMalformedLimit(n int) { d.limit = n }

// Terminal reports whether a terminal event has been dispatched.
func (d *Decoder) Terminal() bool { return d.terminal }

// Feed appends p to the buffer and dispatches every complete frame it now
// holds. Bytes after the last frame boundary stay buffered. Once a terminal
// event has been dispatched further input is discarded. The only error
// returned is ErrMalformedStream.
func (d *Decoder) Feed(p []byte) error {
	if d.terminal {
		return nil
	}
	d.buf = append(d.buf, p...)
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			return nil
		}
		frame := string(d.buf[:idx])
		d.buf = d.buf[idx+2:]
		if err := d.processFrame(frame); err != nil {
			return err
		}
		if d.terminal {
			d.buf = nil
			return nil
		}
	}
}

func (d *Decoder) processFrame(frame string) error {
	var payloads []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "data:"):
			payloads = append(payloads, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// other SSE fields (event:, id:, retry:) carry nothing for us
	}
	if len(payloads) == 0 {
		return nil
	}
	ev, err := ParseEvent([]byte(strings.Join(payloads, "\n")))
	if err != nil {
		return d.reportMalformed(frame, err)
	}
	switch ev.Type {
	case EventToken:
		d.h.OnToken(ev.Content)
	case EventComplete:
		d.terminal = true
		d.h.OnComplete(ev.Model, ev.TotalTokens)
	case EventError:
		d.terminal = true
		d.h.OnError(ev.Error, ev.Code)
	}
	return nil
}

// reportMalformed applies the logged-and-skipped policy: an isolated bad
// frame is reported and dropped; past the limit the whole session errors.
func (d *Decoder) reportMalformed(frame string, err error) error {
	if r, ok := d.h.(DecodeErrorReporter); ok {
		r.OnDecodeError(frame, err)
	}
	d.malformed++
	if d.malformed <= d.limit {
		return nil
	}
	d.terminal = true
	d.h.OnError(ErrMalformedStream.Error(), llm.CodeMalformedFrame)
	return ErrMalformedStream
}

// Finish signals end of input. If no terminal event was seen the decoder
// synthesizes an error outcome: a truncated stream must never read as
// success.
func (d *Decoder) Finish() error {
	if d.terminal {
		return nil
	}
	d.terminal = true
	d.h.OnError(ErrTruncatedStream.Error(), llm.CodeStreamTruncated)
	return ErrTruncatedStream
}

// ReadAll drives the decoder from r until a terminal event, end of stream,
// or ctx cancellation. Read errors other than io.EOF are returned as-is
// without synthesizing a terminal callback; the caller decides whether the
// interruption was deliberate.
func (d *Decoder) ReadAll(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := d.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			if d.terminal {
				return nil
			}
		}
		if err == io.EOF {
			return d.Finish()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
