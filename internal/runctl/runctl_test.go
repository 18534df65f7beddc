package runctl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayForAttempt_ExponentialCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 200 * time.Millisecond, BackoffFactor: 2.0, MaxDelay: 500 * time.Millisecond}
	if d := DelayForAttempt(1, cfg, "s"); d != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := DelayForAttempt(2, cfg, "s"); d != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v", d)
	}
	if d := DelayForAttempt(3, cfg, "s"); d != 500*time.Millisecond {
		t.Fatalf("attempt 3 should hit the cap, got %v", d)
	}
}

func TestDelayForAttempt_JitterDeterministic(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, BackoffFactor: 2.0, Jitter: true}
	a := DelayForAttempt(1, cfg, "seed")
	b := DelayForAttempt(1, cfg, "seed")
	if a != b {
		t.Fatalf("same seed produced different delays: %v %v", a, b)
	}
	if a < 50*time.Millisecond || a > 150*time.Millisecond {
		t.Fatalf("jittered delay out of [0.5,1.5]x band: %v", a)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Millisecond, BackoffFactor: 1.0, MaxAttempts: 3}
	calls := 0
	err := Retry(context.Background(), nil, "op", cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("timeout")}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_NonTransientSurfacesImmediately(t *testing.T) {
	fatal := errors.New("schema violation")
	calls := 0
	err := Retry(context.Background(), nil, "op", DefaultBackoff(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Millisecond, BackoffFactor: 1.0, MaxAttempts: 2}
	calls := 0
	err := Retry(context.Background(), nil, "op", cfg, func(context.Context) error {
		calls++
		return &TransientError{Err: errors.New("timeout")}
	})
	if err == nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if !IsTransient(err) {
		t.Fatalf("exhaustion should surface the transient error")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline should be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("plain error is not transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}

func TestShutdownFlag_SecondTripForces(t *testing.T) {
	f := NewShutdownFlag()
	ctx, cancel := f.Bind(context.Background())
	defer cancel()

	f.Trip()
	if !f.Tripped() || f.Forced() {
		t.Fatalf("first trip state wrong: tripped=%v forced=%v", f.Tripped(), f.Forced())
	}
	select {
	case <-ctx.Done():
		t.Fatalf("first trip must not cancel the context")
	default:
	}

	f.Trip()
	if !f.Forced() {
		t.Fatalf("second trip should force")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("forced trip did not cancel bound context")
	}
	var ce *CancellationError
	if !errors.As(context.Cause(ctx), &ce) {
		t.Fatalf("cause = %v", context.Cause(ctx))
	}
}

func TestFanOut_Bounded(t *testing.T) {
	var active, peak atomic.Int32
	inputs := make([]int, 16)
	res, err := FanOut(context.Background(), nil, 2, inputs, func(context.Context, int) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return 1, nil
	})
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if len(res.Results) != 16 {
		t.Fatalf("results = %d", len(res.Results))
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("worker bound violated: peak %d", p)
	}
}

func TestFanOut_InterruptedPartial(t *testing.T) {
	flag := NewShutdownFlag()
	inputs := make([]int, 8)
	count := 0
	res, err := FanOut(context.Background(), flag, 1, inputs, func(context.Context, int) (int, error) {
		count++
		if count == 3 {
			flag.Trip()
		}
		return count, nil
	})
	if !IsCancellation(err) {
		t.Fatalf("want cancellation, got %v", err)
	}
	if !res.Interrupted {
		t.Fatalf("result not marked interrupted")
	}
	if count >= 8 {
		t.Fatalf("fan out did not stop early")
	}
}
