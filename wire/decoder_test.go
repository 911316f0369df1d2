package wire

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"
)

// recorder captures dispatched callbacks in order.
type recorder struct {
	calls     []string
	malformed []string
}

func (r *recorder) OnToken(content string) {
	r.calls = append(r.calls, "token:"+content)
}

func (r *recorder) OnComplete(model string, totalTokens int) {
	r.calls = append(r.calls, fmt.Sprintf("complete:%s:%d", model, totalTokens))
}

func (r *recorder) OnError(message, code string) {
	r.calls = append(r.calls, "error:"+code)
}

func (r *recorder) OnDecodeError(frame string, err error) {
	r.malformed = append(r.malformed, frame)
}

func frames(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestDecoder_DispatchesInOrder(t *testing.T) {
	stream := frames(
		`data: {"type":"token","content":"Hel"}`,
		`data: {"type":"token","content":"lo"}`,
		`data: {"type":"complete","model":"model-a","totalTokens":5}`,
	)
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(stream)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"token:Hel", "token:lo", "complete:model-a:5"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if !d.Terminal() {
		t.Fatal("expected terminal decoder")
	}
}

// Feeding the same byte stream split at different chunk boundaries must
// yield identical dispatched event sequences.
func TestDecoder_ChunkBoundaryIdempotence(t *testing.T) {
	stream := frames(
		`data: {"type":"token","content":"alpha"}`,
		`: ping`,
		`data: {"type":"token","content":"βγδ"}`,
		`data: {"type":"token","content":""}`,
		`data: {"type":"complete","model":"m","totalTokens":0}`,
	)

	var want []string
	for chunk := 1; chunk <= len(stream); chunk++ {
		rec := &recorder{}
		d := NewDecoder(rec)
		for i := 0; i < len(stream); i += chunk {
			end := i + chunk
			if end > len(stream) {
				end = len(stream)
			}
			if err := d.Feed([]byte(stream[i:end])); err != nil {
				t.Fatalf("chunk=%d Feed: %v", chunk, err)
			}
		}
		if err := d.Finish(); err != nil {
			t.Fatalf("chunk=%d Finish: %v", chunk, err)
		}
		if want == nil {
			want = rec.calls
			continue
		}
		if !reflect.DeepEqual(rec.calls, want) {
			t.Fatalf("chunk=%d calls = %v, want %v", chunk, rec.calls, want)
		}
	}
}

func TestDecoder_MalformedFrameIsSkipped(t *testing.T) {
	stream := frames(
		`data: {"type":"token","content":"a"}`,
		`data: {not json}`,
		`data: {"type":"token","content":"b"}`,
		`data: {"type":"complete","model":"m"}`,
	)
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(stream)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"token:a", "token:b", "complete:m:0"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if len(rec.malformed) != 1 {
		t.Fatalf("expected 1 reported malformed frame, got %d", len(rec.malformed))
	}
}

func TestDecoder_MalformedLimitErrorsSession(t *testing.T) {
	stream := frames(
		`data: {"type":"token","content":"a"}`,
		`data: {broken one}`,
		`data: {broken two}`,
		`data: {"type":"token","content":"never"}`,
	)
	rec := &recorder{}
	d := NewDecoder(rec)
	err := d.Feed([]byte(stream))
	if err != ErrMalformedStream {
		t.Fatalf("Feed error = %v, want ErrMalformedStream", err)
	}
	want := []string{"token:a", "error:malformed_frame"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

func TestDecoder_UnknownEventTypeCountsAsMalformed(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(frames(`data: {"type":"mystery"}`))); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(rec.malformed) != 1 {
		t.Fatalf("expected malformed report, got %v", rec.malformed)
	}
}

// End-of-stream without a terminal event must synthesize an error, never an
// implicit success.
func TestDecoder_TruncationSynthesizesError(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(frames(`data: {"type":"token","content":"par"}`))); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := d.Finish(); err != ErrTruncatedStream {
		t.Fatalf("Finish error = %v, want ErrTruncatedStream", err)
	}
	want := []string{"token:par", "error:stream_truncated"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	// Finish after terminal is a no-op.
	if err := d.Finish(); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
}

func TestDecoder_DropsFramesAfterTerminal(t *testing.T) {
	stream := frames(
		`data: {"type":"complete","model":"m"}`,
		`data: {"type":"token","content":"late"}`,
	)
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(stream)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"complete:m:0"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

func TestDecoder_HeartbeatsAreDiscarded(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec)
	if err := d.Feed([]byte(frames(`: ping`, `: ping`))); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(rec.calls) != 0 || len(rec.malformed) != 0 {
		t.Fatalf("heartbeats dispatched: %v %v", rec.calls, rec.malformed)
	}
}

func TestDecoder_ReadAll(t *testing.T) {
	stream := frames(
		`data: {"type":"token","content":"Hel"}`,
		`data: {"type":"token","content":"lo"}`,
		`data: {"type":"complete","model":"model-a"}`,
	)
	rec := &recorder{}
	d := NewDecoder(rec)
	// One byte at a time exercises partial-frame reassembly through the
	// reader path too.
	if err := d.ReadAll(context.Background(), iotest1(stream)); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []string{"token:Hel", "token:lo", "complete:model-a:0"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

func TestDecoder_ReadAllTruncated(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec)
	err := d.ReadAll(context.Background(), strings.NewReader(frames(`data: {"type":"token","content":"x"}`)))
	if err != ErrTruncatedStream {
		t.Fatalf("ReadAll error = %v, want ErrTruncatedStream", err)
	}
}

func TestDecoder_ReadAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	d := NewDecoder(rec)
	err := d.ReadAll(ctx, strings.NewReader("data: "))
	if err != context.Canceled {
		t.Fatalf("ReadAll error = %v, want context.Canceled", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("no callbacks expected, got %v", rec.calls)
	}
}

// iotest1 yields one byte per Read.
func iotest1(s string) io.Reader { return &oneByteReader{s: s} }

type oneByteReader struct{ s string }

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.s) == 0 {
		return 0, io.EOF
	}
	p[0] = r.s[0]
	r.s = r.s[1:]
	return 1, nil
}
