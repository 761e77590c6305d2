package posepipe

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Submit when every slot is busy.  It is
	// avoidable by checking SlotAvailable first and is recoverable by waiting
	// with AwaitAny and retrying
	ErrCapacityExceeded = errors.New("no idle inference slot")

	// ErrSourceExhausted is returned by a Source when the end of the stream is
	// reached.  It is not a failure, it ends the submission side of the pipeline
	// while in flight work still drains
	ErrSourceExhausted = errors.New("frame source exhausted")

	// ErrInferenceFailure is matched by errors.Is for any fault raised inside a
	// slot's asynchronous execution.  It is fatal to the pipeline
	ErrInferenceFailure = errors.New("inference failure")

	// ErrBackendPanic wraps a panic recovered from a backend goroutine
	ErrBackendPanic = errors.New("inference backend panic")

	// ErrOutOfOrder is returned by Poll when asked for a sequence id other
	// than the delivery cursor
	ErrOutOfOrder = errors.New("poll for sequence id other than cursor")

	// ErrClosed is returned by Submit after the Scheduler has been drained
	ErrClosed = errors.New("scheduler closed")

	// ErrStop is returned by a Presenter to request a graceful shutdown, eg:
	// the user pressed ESC in the output window
	ErrStop = errors.New("presentation stopped")
)

// InferenceError records the first fault raised by a slot's asynchronous
// execution.  It is surfaced to the control goroutine on the next scheduling
// call
type InferenceError struct {
	// Seq is the sequence id of the frame that failed
	Seq uint64
	// Slot is the ID of the slot the frame was running on
	Slot int
	// Err is the underlying backend error
	Err error
}

// Error implements the error interface
func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on slot %d for frame %d: %v",
		e.Slot, e.Seq, e.Err)
}

// Unwrap returns the backend error
func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Is reports a match against ErrInferenceFailure
func (e *InferenceError) Is(target error) bool {
	return target == ErrInferenceFailure
}
