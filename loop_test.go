package posepipe

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingSource returns increasing integers, ending after limit frames when
// limit is positive
type countingSource struct {
	mu    sync.Mutex
	next  int
	limit int
	err   error
}

func (s *countingSource) Read() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil && s.next == s.limit {
		return 0, s.err
	}

	if s.limit > 0 && s.next >= s.limit {
		return 0, ErrSourceExhausted
	}

	n := s.next
	s.next++

	return n, nil
}

func (s *countingSource) read() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next
}

// recordingPresenter keeps the sequence ids presented and can request a stop
type recordingPresenter struct {
	seqs   []uint64
	stopAt int
}

func (p *recordingPresenter) Present(c Completed[int, int]) error {
	p.seqs = append(p.seqs, c.Seq)

	if p.stopAt > 0 && len(p.seqs) == p.stopAt {
		return ErrStop
	}

	return nil
}

// memArchive records accepted results and flush calls
type memArchive struct {
	results []int
	stamps  []time.Time
	flushes int
}

func (a *memArchive) Accept(ctx context.Context, result int, ts time.Time) error {
	a.results = append(a.results, result)
	a.stamps = append(a.stamps, ts)
	return nil
}

func (a *memArchive) FlushNow(ctx context.Context) error {
	a.flushes++
	return nil
}

func checkSequential(t *testing.T, seqs []uint64, want int) {
	t.Helper()

	if len(seqs) != want {
		t.Fatalf("expected %d frames, got %d", want, len(seqs))
	}

	for i, seq := range seqs {
		if seq != uint64(i) {
			t.Fatalf("position %d has frame %d", i, seq)
		}
	}
}

func newLoopScheduler(t *testing.T, size int, fn InferFunc[int, int]) (*Scheduler[int, int], *FuncBackend[int, int]) {
	t.Helper()

	backend := NewFuncBackend[int, int](fn)
	t.Cleanup(func() { backend.Close() })

	sched, err := NewScheduler[int, int](backend, size)

	if err != nil {
		t.Fatal(err)
	}

	return sched, backend
}

func TestLoopDeliversEveryFrameInOrder(t *testing.T) {

	for _, size := range []int{1, 3, 6} {

		sched, _ := newLoopScheduler(t, size, func(ctx context.Context, slot Slot, frame int) (int, error) {
			time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
			return frame + 100, nil
		})

		source := &countingSource{limit: 150}
		presenter := &recordingPresenter{}
		archive := &memArchive{}

		loop := NewLoop[int, int](sched, source, presenter, zerolog.Nop())
		loop.SetArchive(archive)
		loop.SetPollInterval(5 * time.Millisecond)

		if err := loop.Run(context.Background()); err != nil {
			t.Fatalf("Run with %d slots failed: %v", size, err)
		}

		checkSequential(t, presenter.seqs, 150)

		for i, res := range archive.results {
			if res != i+100 {
				t.Fatalf("archive position %d has result %d", i, res)
			}
		}

		if archive.flushes != 1 {
			t.Fatalf("expected archive flushed once, got %d", archive.flushes)
		}
	}
}

func TestLoopCancellationDrainsInFlight(t *testing.T) {

	const size = 4

	gate := make(chan struct{})

	sched, _ := newLoopScheduler(t, size, func(ctx context.Context, slot Slot, frame int) (int, error) {
		<-gate
		return frame, nil
	})

	source := &countingSource{}
	presenter := &recordingPresenter{}
	archive := &memArchive{}

	loop := NewLoop[int, int](sched, source, presenter, zerolog.Nop())
	loop.SetArchive(archive)
	loop.SetPollInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		result <- loop.Run(ctx)
	}()

	// wait for every slot to be busy
	deadline := time.Now().Add(5 * time.Second)

	for sched.Stats().InFlight < size {
		if time.Now().After(deadline) {
			t.Fatal("slots never filled")
		}

		time.Sleep(time.Millisecond)
	}

	cancel()

	// in flight frames complete after cancellation
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Run returned %v after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	checkSequential(t, presenter.seqs, source.read())

	if len(presenter.seqs) != size {
		t.Fatalf("expected the %d in flight frames delivered, got %d", size, len(presenter.seqs))
	}

	if len(archive.results) != size || archive.flushes != 1 {
		t.Fatalf("archive has %d results and %d flushes", len(archive.results), archive.flushes)
	}
}

func TestLoopInferenceFailureIsFatal(t *testing.T) {

	boom := errors.New("device lost")

	sched, _ := newLoopScheduler(t, 3, func(ctx context.Context, slot Slot, frame int) (int, error) {
		if frame == 5 {
			return 0, boom
		}

		return frame, nil
	})

	presenter := &recordingPresenter{}
	archive := &memArchive{}

	loop := NewLoop[int, int](sched, &countingSource{limit: 100}, presenter, zerolog.Nop())
	loop.SetArchive(archive)

	err := loop.Run(context.Background())

	if !errors.Is(err, ErrInferenceFailure) || !errors.Is(err, boom) {
		t.Fatalf("expected inference failure, got %v", err)
	}

	// frames before the failure were delivered in order
	for i := 0; i < 5; i++ {
		if presenter.seqs[i] != uint64(i) {
			t.Fatalf("position %d has frame %d", i, presenter.seqs[i])
		}
	}

	for _, seq := range presenter.seqs {
		if seq == 5 {
			t.Fatal("failed frame was delivered")
		}
	}

	if archive.flushes != 1 {
		t.Fatalf("expected archive flushed once after failure, got %d", archive.flushes)
	}

	if stats := sched.Stats(); stats.InFlight != 0 {
		t.Fatalf("%d frames abandoned in flight", stats.InFlight)
	}
}

func TestLoopPresenterStop(t *testing.T) {

	sched, _ := newLoopScheduler(t, 2, func(ctx context.Context, slot Slot, frame int) (int, error) {
		return frame, nil
	})

	source := &countingSource{}
	presenter := &recordingPresenter{stopAt: 10}
	archive := &memArchive{}

	loop := NewLoop[int, int](sched, source, presenter, zerolog.Nop())
	loop.SetArchive(archive)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("stop must be graceful, got %v", err)
	}

	if len(presenter.seqs) != 10 {
		t.Fatalf("presenter called %d times after stop", len(presenter.seqs))
	}

	// frames still in flight at stop are archived, not shown
	if len(archive.results) != source.read() {
		t.Fatalf("archived %d of %d frames", len(archive.results), source.read())
	}

	if archive.flushes != 1 {
		t.Fatalf("expected one flush, got %d", archive.flushes)
	}
}

func TestLoopSourceError(t *testing.T) {

	sched, _ := newLoopScheduler(t, 2, func(ctx context.Context, slot Slot, frame int) (int, error) {
		return frame, nil
	})

	camErr := errors.New("camera unplugged")
	presenter := &recordingPresenter{}

	loop := NewLoop[int, int](sched, &countingSource{limit: 4, err: camErr}, presenter, zerolog.Nop())

	err := loop.Run(context.Background())

	if !errors.Is(err, camErr) {
		t.Fatalf("expected source error, got %v", err)
	}

	checkSequential(t, presenter.seqs, 4)
}

func TestLoopArchiveTimestamps(t *testing.T) {

	sched, _ := newLoopScheduler(t, 1, func(ctx context.Context, slot Slot, frame int) (int, error) {
		return frame, nil
	})

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0

	archive := &memArchive{}
	loop := NewLoop[int, int](sched, &countingSource{limit: 3}, &recordingPresenter{}, zerolog.Nop())
	loop.SetArchive(archive)
	loop.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i, ts := range archive.stamps {
		if want := base.Add(time.Duration(i+1) * time.Minute); !ts.Equal(want) {
			t.Fatalf("record %d stamped %v, want %v", i, ts, want)
		}
	}
}

func TestFuncBackendRecoversPanic(t *testing.T) {

	sched, _ := newLoopScheduler(t, 1, func(ctx context.Context, slot Slot, frame int) (int, error) {
		panic("tensor index out of range")
	})

	if _, err := sched.Submit(0, Meta{}); err != nil {
		t.Fatal(err)
	}

	_, err := sched.Drain(context.Background())

	if !errors.Is(err, ErrInferenceFailure) || !errors.Is(err, ErrBackendPanic) {
		t.Fatalf("expected recovered panic as inference failure, got %v", err)
	}
}

func TestFuncBackendCloseCancelsContext(t *testing.T) {

	started := make(chan struct{})

	backend := NewFuncBackend[int, int](func(ctx context.Context, slot Slot, frame int) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	var got error
	done := make(chan struct{})

	backend.Start(Slot{}, 0, 1, func(res int, err error) {
		got = err
		close(done)
	})

	<-started
	backend.Close()
	<-done

	if !errors.Is(got, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got)
	}
}

func TestChainRunsAllBeforeStop(t *testing.T) {

	first := &recordingPresenter{stopAt: 1}
	second := &recordingPresenter{}

	p := Chain[int, int](first, second)

	err := p.Present(Completed[int, int]{Seq: 0})

	if !errors.Is(err, ErrStop) {
		t.Fatalf("got %v, want ErrStop", err)
	}

	if len(second.seqs) != 1 {
		t.Fatalf("second presenter saw %d results, want 1", len(second.seqs))
	}

	boom := errors.New("boom")
	failing := Chain[int, int](presenterFunc(func(Completed[int, int]) error { return boom }), second)

	if err := failing.Present(Completed[int, int]{Seq: 1}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	if len(second.seqs) != 1 {
		t.Fatalf("presenter after a failure was called")
	}
}

type presenterFunc func(Completed[int, int]) error

func (f presenterFunc) Present(c Completed[int, int]) error { return f(c) }

// ctxArchive records the context state seen by the final flush
type ctxArchive struct {
	memArchive
	flushCtxErr error
}

func (a *ctxArchive) FlushNow(ctx context.Context) error {
	a.flushCtxErr = ctx.Err()
	return a.memArchive.FlushNow(ctx)
}

// releaseLog collects released frames from any goroutine
type releaseLog struct {
	mu     sync.Mutex
	frames []int
}

func (r *releaseLog) add(frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *releaseLog) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.frames...)
}

func TestLoopDrainTimeoutDeliversBufferedAndFlushes(t *testing.T) {

	gate := make(chan struct{})

	sched, _ := newLoopScheduler(t, 2, func(ctx context.Context, slot Slot, frame int) (int, error) {
		if frame == 0 {
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}
		return frame, nil
	})

	presenter := &recordingPresenter{}
	archive := &ctxArchive{}
	released := &releaseLog{}

	loop := NewLoop[int, int](sched, &countingSource{limit: 2}, presenter, zerolog.Nop())
	loop.SetArchive(archive)
	loop.SetPollInterval(5 * time.Millisecond)
	loop.SetDrainTimeout(50 * time.Millisecond)
	loop.SetRelease(released.add)

	err := loop.Run(context.Background())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline reported, got %v", err)
	}

	if len(presenter.seqs) != 1 || presenter.seqs[0] != 1 {
		t.Fatalf("expected the completed frame 1 presented, got %v", presenter.seqs)
	}

	if len(archive.results) != 1 || archive.results[0] != 1 || archive.flushes != 1 {
		t.Fatalf("archive has %v and %d flushes", archive.results, archive.flushes)
	}

	if archive.flushCtxErr != nil {
		t.Fatalf("final flush ran with a done context: %v", archive.flushCtxErr)
	}

	// the stuck frame is released once it finally completes
	close(gate)

	deadline := time.Now().Add(2 * time.Second)

	for len(released.get()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned frame never released")
		}
		time.Sleep(time.Millisecond)
	}

	if got := released.get(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected frame 0 released, got %v", got)
	}
}

func TestLoopReleasesFramesAfterStop(t *testing.T) {

	gate := make(chan struct{})

	sched, _ := newLoopScheduler(t, 3, func(ctx context.Context, slot Slot, frame int) (int, error) {
		if frame == 0 {
			<-gate
		}
		return frame, nil
	})

	presenter := &recordingPresenter{stopAt: 1}
	released := &releaseLog{}

	loop := NewLoop[int, int](sched, &countingSource{limit: 3}, presenter, zerolog.Nop())
	loop.SetPollInterval(5 * time.Millisecond)
	loop.SetRelease(released.add)

	result := make(chan error, 1)

	go func() {
		result <- loop.Run(context.Background())
	}()

	// frames 1 and 2 complete behind the held frame 0
	deadline := time.Now().Add(5 * time.Second)

	for st := sched.Stats(); st.Submitted < 3 || st.Pending < 2; st = sched.Stats() {
		if time.Now().After(deadline) {
			t.Fatal("frames never completed")
		}
		time.Sleep(time.Millisecond)
	}

	close(gate)

	if err := <-result; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if len(presenter.seqs) != 1 {
		t.Fatalf("expected one presented frame, got %v", presenter.seqs)
	}

	if got := released.get(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected frames 1 and 2 released, got %v", got)
	}
}

// slotStealingSource occupies the only slot itself during the first Read, so
// the Loop's own submission finds no idle slot
type slotStealingSource struct {
	sched *Scheduler[int, int]
	reads int
}

func (s *slotStealingSource) Read() (int, error) {
	s.reads++

	if s.reads > 1 {
		return 0, ErrSourceExhausted
	}

	if _, err := s.sched.Submit(99, Meta{}); err != nil {
		return 0, err
	}

	return 7, nil
}

func TestLoopReleasesFrameOnCapacityExceeded(t *testing.T) {

	// the stolen slot stays busy until the refused frame has been released
	gate := make(chan struct{})

	sched, _ := newLoopScheduler(t, 1, func(ctx context.Context, slot Slot, frame int) (int, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return frame, nil
	})

	presenter := &recordingPresenter{}
	released := &releaseLog{}

	loop := NewLoop[int, int](sched, &slotStealingSource{sched: sched}, presenter, zerolog.Nop())
	loop.SetPollInterval(5 * time.Millisecond)
	loop.SetRelease(func(frame int) {
		released.add(frame)
		close(gate)
	})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if got := released.get(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected the refused frame 7 released, got %v", got)
	}

	// only the frame that won the slot is delivered
	checkSequential(t, presenter.seqs, 1)
}
