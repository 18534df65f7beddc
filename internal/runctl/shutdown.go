package runctl

import (
	"context"
	"sync"
	"sync/atomic"
)

// ShutdownFlag is the process-wide cooperative stop signal. The first trip
// asks running nodes to finish or return a partial; the second cancels the
// run context outright.
type ShutdownFlag struct {
	tripped atomic.Bool
	forced  atomic.Bool

	mu      sync.Mutex
	cancels []context.CancelCauseFunc
}

// NewShutdownFlag returns an untripped flag.
func NewShutdownFlag() *ShutdownFlag { return &ShutdownFlag{} }

// Trip sets the flag. The second call escalates to a forced stop, cancelling
// every context bound through Bind.
func (f *ShutdownFlag) Trip() {
	if f.tripped.CompareAndSwap(false, true) {
		return
	}
	if f.forced.CompareAndSwap(false, true) {
		f.mu.Lock()
		cancels := append([]context.CancelCauseFunc(nil), f.cancels...)
		f.mu.Unlock()
		for _, cancel := range cancels {
			cancel(&CancellationError{})
		}
	}
}

// Tripped reports whether a stop has been requested.
func (f *ShutdownFlag) Tripped() bool { return f.tripped.Load() }

// Forced reports whether the stop has been escalated.
func (f *ShutdownFlag) Forced() bool { return f.forced.Load() }

// Reset clears the flag for a new invocation. Bound contexts are dropped.
func (f *ShutdownFlag) Reset() {
	f.tripped.Store(false)
	f.forced.Store(false)
	f.mu.Lock()
	f.cancels = nil
	f.mu.Unlock()
}

// Bind derives a context that a forced stop cancels. The returned cancel
// must be called when the invocation ends.
func (f *ShutdownFlag) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	f.mu.Lock()
	f.cancels = append(f.cancels, cancel)
	f.mu.Unlock()
	if f.forced.Load() {
		cancel(&CancellationError{})
	}
	return ctx, func() { cancel(nil) }
}
