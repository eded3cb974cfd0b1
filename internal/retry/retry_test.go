package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"429", &StatusError{StatusCode: 429}, KindRateLimited, true},
		{"body marker", &StatusError{StatusCode: 400, Body: `{"error":"Too Much Requests"}`}, KindRateLimited, true},
		{"message marker", errors.New("Too many requests, slow down"), KindRateLimited, true},
		{"401", &StatusError{StatusCode: 401}, KindAuth, false},
		{"403", &StatusError{StatusCode: 403}, KindAuth, false},
		{"404", &StatusError{StatusCode: 404}, KindNotFound, false},
		{"500", &StatusError{StatusCode: 500}, KindServer, true},
		{"503 wrapped", fmt.Errorf("get campaign: %w", &StatusError{StatusCode: 503}), KindServer, true},
		{"400", &StatusError{StatusCode: 400, Body: "bad request"}, KindUnknown, false},
		{"unexpected eof", io.ErrUnexpectedEOF, KindNetwork, true},
		{"timeout", context.DeadlineExceeded, KindNetwork, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindNetwork, true},
		{"canceled", context.Canceled, KindUnknown, false},
		{"breaker open", circuitbreaker.ErrOpen, KindCircuitOpen, false},
		{"other", errors.New("boom"), KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify("test", tt.err)
			if e.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", e.Kind, tt.kind)
			}
			if e.Retryable() != tt.retryable {
				t.Fatalf("retryable = %v, want %v", e.Retryable(), tt.retryable)
			}
			if !errors.Is(e, tt.err) {
				t.Fatal("classified error should wrap the original")
			}
		})
	}
	if Classify("test", nil) != nil {
		t.Fatal("nil error should classify as nil")
	}
}

func TestClassifyRateLimitFloor(t *testing.T) {
	e := Classify("reply.io", &StatusError{StatusCode: 429, RetryAfter: 2 * time.Second})
	if e.MinWait != 10*time.Second {
		t.Fatalf("expected reply.io floor of 10s, got %s", e.MinWait)
	}
	e = Classify("reply.io", &StatusError{StatusCode: 429, RetryAfter: 30 * time.Second})
	if e.MinWait != 30*time.Second {
		t.Fatalf("expected Retry-After to win over the floor, got %s", e.MinWait)
	}
}

func fastPolicy() Policy {
	return Policy{
		MaxRetries:     4,
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		MaxDelay:       3 * time.Millisecond,
		RateLimitFloor: 5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterServerErrors(t *testing.T) {
	calls := 0
	var delays []time.Duration
	v, err := Do(context.Background(), fastPolicy(), "test", func(context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", &StatusError{StatusCode: 502}
		}
		return "ok", nil
	}, WithNotify(func(e *Error, d time.Duration) {
		if e.Kind != KindServer {
			t.Errorf("unexpected kind %s", e.Kind)
		}
		delays = append(delays, d)
	}))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != "ok" || calls != 4 {
		t.Fatalf("got %q after %d calls", v, calls)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestDo_TwoFailuresThenSuccess(t *testing.T) {
	p := fastPolicy()
	p.MaxRetries = 3
	calls := 0
	var delays []time.Duration
	v, err := Do(context.Background(), p, "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StatusError{StatusCode: 500}
		}
		return 7, nil
	}, WithNotify(func(_ *Error, d time.Duration) { delays = append(delays, d) }))
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d err=%v", v, err)
	}
	if len(delays) != 2 || delays[1] != 2*delays[0] {
		t.Fatalf("expected delays to grow by the multiplier, got %v", delays)
	}
}

func TestDo_TerminalErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), "test", func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 404}
	})
	if calls != 1 {
		t.Fatalf("terminal error should not be retried, got %d calls", calls)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindNotFound {
		t.Fatalf("expected not-found classified error, got %v", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Fatal("terminal error must not be reported as exhaustion")
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), "test", func(context.Context) (int, error) {
		calls++
		return 0, io.ErrUnexpectedEOF
	})
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 4 || ex.Last.Kind != KindNetwork {
		t.Fatalf("unexpected exhaustion: %+v", ex)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("exhaustion should wrap the last error")
	}
}

func TestDo_RateLimitFloor(t *testing.T) {
	calls := 0
	var delays []time.Duration
	_, err := Do(context.Background(), fastPolicy(), "test", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &StatusError{StatusCode: 429}
		}
		return 1, nil
	}, WithNotify(func(_ *Error, d time.Duration) { delays = append(delays, d) }))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(delays) != 1 || delays[0] != 5*time.Millisecond {
		t.Fatalf("expected the rate-limit floor of 5ms, got %v", delays)
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.MaxRetries = 2
	p.AttemptTimeout = 10 * time.Millisecond
	calls := 0
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if calls != 2 {
		t.Fatalf("timed-out attempts should be retried, got %d calls", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Last.Kind != KindNetwork {
		t.Fatalf("expected network exhaustion, got %v", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	calls := 0
	_, err := Do(ctx, p, "test", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{StatusCode: 500}
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPolicyFor(t *testing.T) {
	if p := PolicyFor("reply.io"); p.RateLimitFloor != 10*time.Second {
		t.Fatalf("unexpected reply.io policy: %+v", p)
	}
	SetPolicy("custom", Policy{MaxRetries: 9})
	p := PolicyFor("CUSTOM")
	if p.MaxRetries != 9 || p.BaseDelay != DefaultPolicy().BaseDelay {
		t.Fatalf("unexpected custom policy: %+v", p)
	}
}

func TestDo_PermanentIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), "test", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errors.New("decode response: bad json"))
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Provider != "test" {
		t.Fatalf("expected classified error carrying the provider, got %v", err)
	}
}
