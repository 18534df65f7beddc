package runctl

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultParallelWorkers bounds provider fan-out when no configuration says
// otherwise.
const DefaultParallelWorkers = 4

// ErrInterrupted is returned alongside partial results when the shutdown
// flag trips mid fan-out.
var ErrInterrupted = &CancellationError{Node: "worker pool"}

// FanOutResult holds positional results: Results[i] corresponds to
// inputs[i]; interrupted or failed slots hold the zero value.
type FanOutResult[R any] struct {
	Results     []R
	Interrupted bool
}

// FanOut runs fn over the inputs with at most workers goroutines. The
// shutdown flag is polled before dispatching each input; on a trip, pending
// inputs are abandoned and the completed results are returned with
// ErrInterrupted so the caller can treat the stop as graceful.
func FanOut[T, R any](ctx context.Context, flag *ShutdownFlag, workers int, inputs []T, fn func(ctx context.Context, in T) (R, error)) (FanOutResult[R], error) {
	if workers <= 0 {
		workers = DefaultParallelWorkers
	}
	out := FanOutResult[R]{Results: make([]R, len(inputs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		if flag != nil && flag.Tripped() {
			out.Interrupted = true
			break
		}
		i, in := i, in
		g.Go(func() (err error) {
			out.Results[i], err = fn(gctx, in)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if out.Interrupted {
		return out, ErrInterrupted
	}
	return out, nil
}
