package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), nil, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	never := func(error) bool { return false }
	err := Do(context.Background(), fastConfig(3), never, func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() = %v, want wrapped %v", err, errBoom)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), nil, func() error {
		calls++
		return errBoom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() = %v, want wrapped %v", err, errBoom)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error %q does not carry the attempt count", err)
	}
}

func TestDo_SingleAttemptErrorNotWrapped(t *testing.T) {
	err := Do(context.Background(), Config{MaxRetries: 0}, nil, func() error {
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("Do() = %v, want the bare error", err)
	}
}

func TestDo_ContextCanceledBeforeFirstCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(3), nil, func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
	}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, nil, func() error { return errBoom })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errBoom) {
			t.Fatalf("Do() = %v, want wrapped %v", err, errBoom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 10.0.0.1:443: connection refused"), true},
		{errors.New("Client.Timeout exceeded while awaiting headers"), true},
		{errors.New("API error 503: service unavailable"), true},
		{errors.New("API error 429: rate limit"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("API error 400: invalid symbol"), false},
		{errors.New("validation failed"), false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Fatalf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDo_BackoffDoubles(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
	start := time.Now()
	_ = Do(context.Background(), cfg, nil, func() error {
		return fmt.Errorf("still failing")
	})
	// Two waits: 20ms + 40ms plus jitter, so at least 60ms in total.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 60ms", elapsed)
	}
}
