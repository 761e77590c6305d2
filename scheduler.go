package posepipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Meta is the metadata bag carried opaquely with a frame through inference and
// returned unchanged alongside its result
type Meta struct {
	// Start is the time the frame was captured, used for latency measurements
	Start time.Time
	// Values holds any additional caller data
	Values map[string]any
}

// Completed is a finished inference returned by the Scheduler in sequence
// order
type Completed[F, R any] struct {
	// Seq is the sequence id assigned at submission
	Seq uint64
	// Slot is the ID of the slot the frame ran on
	Slot int
	// Frame is the original frame as submitted
	Frame F
	// Meta is the metadata submitted with the frame
	Meta Meta
	// Result is the backend's inference result
	Result R
	// Finished is the time the backend reported completion
	Finished time.Time
}

// Stats is a snapshot of the Scheduler's counters
type Stats struct {
	// Size is the fixed number of slots
	Size int
	// Submitted is the number of frames submitted
	Submitted uint64
	// Completed is the number of completions received from the backend
	Completed uint64
	// Delivered is the number of results handed back in order
	Delivered uint64
	// InFlight is the number of busy slots
	InFlight int
	// Pending is the number of completed results waiting on an earlier frame
	Pending int
	// Cursor is the next sequence id due for delivery
	Cursor uint64
	// Slots is the state of every slot
	Slots []Slot
}

// inflight tracks a submitted frame until its completion arrives
type inflight[F any] struct {
	slot  *Slot
	frame F
	meta  Meta
}

// Scheduler admits frames into a fixed pool of inference slots and reassembles
// their out of order completions into strictly increasing sequence order.
//
// Submit, SlotAvailable, Next, Poll, AwaitAny and Drain are called from a single
// control goroutine.  Completions arrive from backend goroutines and are
// serialized with the control goroutine by a mutex.
type Scheduler[F, R any] struct {
	backend Backend[F, R]
	pool    *slotPool

	mu sync.Mutex
	// nextSeq is the sequence id the next submission will receive
	nextSeq uint64
	// cursor is the next sequence id to deliver
	cursor uint64
	// running holds frames being processed keyed by sequence id
	running map[uint64]inflight[F]
	// pending holds completed results not yet delivered keyed by sequence id
	pending map[uint64]Completed[F, R]
	// fault is the first error raised by a completion
	fault error
	// closed is set once Drain has returned
	closed bool
	// release is given frames completed after Drain abandoned them
	release func(F)
	// changed is closed and replaced on every completion to wake waiters
	changed chan struct{}

	submitted uint64
	completed uint64
	delivered uint64

	now func() time.Time
}

// NewScheduler returns a Scheduler dispatching to backend with size slots
func NewScheduler[F, R any](backend Backend[F, R], size int) (*Scheduler[F, R], error) {

	if backend == nil {
		return nil, fmt.Errorf("scheduler requires a backend")
	}

	if size < 1 {
		return nil, fmt.Errorf("slot pool size must be at least 1, got %d", size)
	}

	return &Scheduler[F, R]{
		backend: backend,
		pool:    newSlotPool(size),
		running: make(map[uint64]inflight[F]),
		pending: make(map[uint64]Completed[F, R]),
		changed: make(chan struct{}),
		now:     time.Now,
	}, nil
}

// SetRelease sets a function given the frames of completions that arrive
// after Drain gave up waiting for them, eg: to free image memory
func (s *Scheduler[F, R]) SetRelease(fn func(F)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release = fn
}

// Size returns the fixed number of slots
func (s *Scheduler[F, R]) Size() int {
	return s.pool.size()
}

// SlotAvailable reports whether at least one slot is idle.  It never blocks.
func (s *Scheduler[F, R]) SlotAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pool.available() > 0
}

// Submit assigns the next sequence id to frame, marks an idle slot busy and
// dispatches the frame to the backend.  ErrCapacityExceeded is returned when
// no slot is idle, and the recorded fault is returned once a backend failure
// has occurred.
func (s *Scheduler[F, R]) Submit(frame F, meta Meta) (uint64, error) {

	s.mu.Lock()

	if s.fault != nil {
		s.mu.Unlock()
		return 0, s.fault
	}

	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	slot, ok := s.pool.get()

	if !ok {
		s.mu.Unlock()
		return 0, ErrCapacityExceeded
	}

	seq := s.nextSeq
	s.nextSeq++

	slot.State = SlotBusy
	slot.Seq = seq

	s.running[seq] = inflight[F]{slot: slot, frame: frame, meta: meta}
	s.submitted++

	// backend receives a copy so it can not alter occupancy
	snapshot := *slot

	s.mu.Unlock()

	// dispatch outside the lock as the backend may complete synchronously
	s.backend.Start(snapshot, seq, frame, func(res R, err error) {
		s.complete(seq, res, err)
	})

	return seq, nil
}

// complete handles a backend completion for seq.  It is safe to call from any
// goroutine, repeated completions for the same seq are ignored.
func (s *Scheduler[F, R]) complete(seq uint64, res R, err error) {

	s.mu.Lock()

	job, ok := s.running[seq]

	if !ok {
		s.mu.Unlock()
		return
	}

	// a seq behind the cursor was abandoned by Drain
	discard := seq < s.cursor
	release := s.release

	delete(s.running, seq)

	switch {
	case discard:
		// nothing is waiting for it

	case err != nil:
		// first fault wins, later ones are a consequence of it
		if s.fault == nil {
			s.fault = &InferenceError{Seq: seq, Slot: job.slot.ID, Err: err}
		}

	default:
		s.pending[seq] = Completed[F, R]{
			Seq:      seq,
			Slot:     job.slot.ID,
			Frame:    job.frame,
			Meta:     job.meta,
			Result:   res,
			Finished: s.now(),
		}
	}

	s.completed++
	s.pool.put(job.slot)

	// wake AwaitAny and Drain
	close(s.changed)
	s.changed = make(chan struct{})

	s.mu.Unlock()

	if discard && release != nil {
		release(job.frame)
	}
}

// Next returns the result for the delivery cursor if it has completed,
// advancing the cursor.  It never blocks.
func (s *Scheduler[F, R]) Next() (Completed[F, R], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.take(s.cursor)
}

// Poll returns the buffered result for seq and advances the cursor to seq+1.
// seq must equal the current cursor, otherwise ErrOutOfOrder is returned.
func (s *Scheduler[F, R]) Poll(seq uint64) (Completed[F, R], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.cursor && s.fault == nil {
		return Completed[F, R]{}, false, fmt.Errorf("%w: asked for %d, cursor at %d",
			ErrOutOfOrder, seq, s.cursor)
	}

	return s.take(seq)
}

// take removes seq from the pending set.  must be called with mu held
func (s *Scheduler[F, R]) take(seq uint64) (Completed[F, R], bool, error) {

	if s.fault != nil {
		return Completed[F, R]{}, false, s.fault
	}

	c, ok := s.pending[seq]

	if !ok {
		return Completed[F, R]{}, false, nil
	}

	delete(s.pending, seq)
	s.cursor = seq + 1
	s.delivered++

	return c, true, nil
}

// AwaitAny blocks until a busy slot completes, the timeout elapses or ctx is
// done.  It returns true if a completion occurred and false on timeout.  If a
// slot is already idle it returns true immediately.  A timeout of zero or less
// waits without limit.
func (s *Scheduler[F, R]) AwaitAny(ctx context.Context, timeout time.Duration) (bool, error) {

	s.mu.Lock()

	if s.fault != nil {
		s.mu.Unlock()
		return false, s.fault
	}

	if s.pool.available() > 0 {
		s.mu.Unlock()
		return true, nil
	}

	changed := s.changed
	s.mu.Unlock()

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-changed:
		s.mu.Lock()
		fault := s.fault
		s.mu.Unlock()

		if fault != nil {
			return true, fault
		}

		return true, nil

	case <-expired:
		return false, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Drain waits until every in flight frame has completed, then returns all
// buffered results in increasing sequence order and closes the Scheduler to
// further submissions.  A recorded backend fault is returned alongside the
// results.  If ctx is done first the frames still in flight are abandoned:
// the results already buffered are returned in order with ctx's error, the
// cursor moves past every submitted frame and late completions are discarded.
func (s *Scheduler[F, R]) Drain(ctx context.Context) ([]Completed[F, R], error) {

	for {
		s.mu.Lock()

		if len(s.running) == 0 {
			out := s.drainPending()
			s.closed = true
			fault := s.fault
			s.mu.Unlock()

			return out, fault
		}

		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return s.abandon(ctx.Err())
		}
	}
}

// abandon closes the Scheduler leaving in flight frames behind and returns
// the completed results buffered so far
func (s *Scheduler[F, R]) abandon(cause error) ([]Completed[F, R], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	abandoned := len(s.running)
	out := s.drainPending()

	s.cursor = s.nextSeq
	s.closed = true

	err := fmt.Errorf("%w: %d frames still in flight", cause, abandoned)

	if s.fault != nil {
		err = errors.Join(err, s.fault)
	}

	return out, err
}

// drainPending empties the pending set in sequence order.  must be called
// with mu held
func (s *Scheduler[F, R]) drainPending() []Completed[F, R] {

	seqs := make([]uint64, 0, len(s.pending))

	for seq := range s.pending {
		seqs = append(seqs, seq)
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]Completed[F, R], 0, len(seqs))

	for _, seq := range seqs {
		out = append(out, s.pending[seq])
		delete(s.pending, seq)
		s.cursor = seq + 1
		s.delivered++
	}

	return out
}

// Err returns the recorded backend fault, if any
func (s *Scheduler[F, R]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fault
}

// Stats returns a snapshot of the Scheduler's counters
func (s *Scheduler[F, R]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Size:      s.pool.size(),
		Submitted: s.submitted,
		Completed: s.completed,
		Delivered: s.delivered,
		InFlight:  len(s.running),
		Pending:   len(s.pending),
		Cursor:    s.cursor,
		Slots:     s.pool.snapshot(),
	}
}
