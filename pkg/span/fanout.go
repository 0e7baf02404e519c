package span

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Branch is one sibling call of a fan-out.
type Branch[T any] struct {
	Call Call[T]
	Do   func(context.Context) (T, error)
}

// FanOut runs the branches concurrently under one parent span and joins
// them. Each branch gets its own span parented to the fan-out span, which
// ends only after every branch has returned. Results keep branch order; the
// first error cancels the siblings' context and is returned.
func FanOut[T any](ctx context.Context, w *Wrapper, parent Call[[]T], branches ...Branch[T]) ([]T, error) {
	return Run(ctx, w, parent, func(ctx context.Context) ([]T, error) {
		results := make([]T, len(branches))
		g, gctx := errgroup.WithContext(ctx)
		for i, b := range branches {
			i, b := i, b
			g.Go(func() error {
				res, err := Run(gctx, w, b.Call, b.Do)
				results[i] = res
				return err
			})
		}
		return results, g.Wait()
	})
}

// Future is the pending result of Go.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go starts fn on a new goroutine. The active span of ctx is captured now
// and becomes the parent there, whichever goroutine the work resumes on.
// The caller should let the work finish, via Wait or Done, before ending its
// own span.
func Go[T any](ctx context.Context, w *Wrapper, call Call[T], fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = Run(ctx, w, call, fn)
	}()
	return f
}

// Wait blocks until the work finished or ctx is done. A Wait cut short by
// ctx returns ctx.Err() while the work and its span may still be running;
// only a closed Done means the child span has ended.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
