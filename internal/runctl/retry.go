package runctl

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// BackoffConfig configures retry delays for outbound provider calls.
type BackoffConfig struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
	Jitter        bool
}

// DefaultBackoff is 200ms base, factor 2, 60s cap, 3 attempts. Jitter is off
// by default for determinism.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay:  200 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      60 * time.Second,
		MaxAttempts:   3,
		Jitter:        false,
	}
}

// DelayForAttempt computes the delay before retry `attempt` (1-indexed).
// Jitter, when enabled, is deterministic in the seed so replays reproduce
// the same schedule.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Retry runs fn with backoff on transient failures. Non-transient errors
// surface immediately. Exhausting the attempts returns the last error; the
// caller decides whether to degrade or abort.
func Retry(ctx context.Context, log *zap.Logger, op string, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !IsTransient(last) {
			return last
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := DelayForAttempt(attempt, cfg, fmt.Sprintf("%s:%d", op, attempt))
		log.Warn("transient failure, backing off",
			zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(last))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Warn("retries exhausted, degrading", zap.String("op", op), zap.Error(last))
	return last
}
