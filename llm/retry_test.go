package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetrier(maxRetries int) *Retrier {
	return NewRetrier(RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	})
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	err := fastRetrier(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewError(ClassUpstream, CodeUpstreamError, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrier_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int
	err := fastRetrier(2).Do(context.Background(), func() error {
		calls++
		return NewError(ClassUpstream, CodeUpstreamError, "down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrier_DoesNotRetryClientInput(t *testing.T) {
	var calls int
	err := fastRetrier(3).Do(context.Background(), func() error {
		calls++
		return NewError(ClassClientInput, CodeUnknownModel, "bad model")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRetrier(RetryConfig{MaxRetries: 3, InitialDelay: time.Hour}).Do(ctx, func() error {
		return NewError(ClassUpstream, CodeUpstreamError, "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}
}
