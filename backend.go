package posepipe

import (
	"context"
	"fmt"
	"sync"
)

// Backend is the asynchronous inference backend the Scheduler dispatches frames
// to.  Start must not block on inference, it begins processing frame on the
// given slot and arranges for done to be called exactly once with the result
// or error.  done may be called from any goroutine, including synchronously
// from within Start.
type Backend[F, R any] interface {
	Start(slot Slot, seq uint64, frame F, done func(R, error))
}

// InferFunc runs blocking inference for a single frame on the given slot
type InferFunc[F, R any] func(ctx context.Context, slot Slot, frame F) (R, error)

// FuncBackend adapts a blocking InferFunc into a Backend by running each
// submission on its own goroutine.  Panics inside the InferFunc are recovered
// and reported as errors so they are never lost on a worker goroutine.
type FuncBackend[F, R any] struct {
	fn     InferFunc[F, R]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	close  sync.Once
}

// NewFuncBackend returns a Backend that calls fn for every submitted frame
func NewFuncBackend[F, R any](fn InferFunc[F, R]) *FuncBackend[F, R] {

	ctx, cancel := context.WithCancel(context.Background())

	return &FuncBackend[F, R]{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start implements Backend
func (b *FuncBackend[F, R]) Start(slot Slot, seq uint64, frame F, done func(R, error)) {

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		res, err := b.run(slot, frame)
		done(res, err)
	}()
}

// run calls the InferFunc converting any panic into an error
func (b *FuncBackend[F, R]) run(slot Slot, frame F) (res R, err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBackendPanic, r)
		}
	}()

	return b.fn(b.ctx, slot, frame)
}

// Close cancels the context passed to running InferFuncs and waits for all of
// them to return
func (b *FuncBackend[F, R]) Close() error {
	b.close.Do(func() {
		b.cancel()
		b.wg.Wait()
	})

	return nil
}
