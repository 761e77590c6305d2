package posepipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Source produces frames on demand.  Read returns ErrSourceExhausted once the
// end of the stream has been reached.
type Source[F any] interface {
	Read() (F, error)
}

// Presenter consumes results in sequence order, eg: drawing an overlay and
// showing or writing the frame.  Returning ErrStop requests a graceful
// shutdown of the pipeline.
type Presenter[F, R any] interface {
	Present(c Completed[F, R]) error
}

// Chain returns a Presenter calling each of ps in turn.  A presenter
// returning ErrStop does not prevent the rest from seeing the result, the
// stop is reported once all have run.  Any other error is returned at once.
func Chain[F, R any](ps ...Presenter[F, R]) Presenter[F, R] {
	return chain[F, R](ps)
}

type chain[F, R any] []Presenter[F, R]

func (c chain[F, R]) Present(res Completed[F, R]) error {

	stop := false

	for _, p := range c {
		err := p.Present(res)

		if errors.Is(err, ErrStop) {
			stop = true
			continue
		}

		if err != nil {
			return err
		}
	}

	if stop {
		return ErrStop
	}

	return nil
}

// Archiver accepts delivered results for time bucketed persistence
type Archiver[R any] interface {
	Accept(ctx context.Context, result R, ts time.Time) error
	FlushNow(ctx context.Context) error
}

// DefaultPollInterval is the longest the control loop blocks in AwaitAny before
// checking for cancellation again
const DefaultPollInterval = 100 * time.Millisecond

// DefaultFlushTimeout bounds delivery of drained results and the final
// archive flush on shutdown
const DefaultFlushTimeout = 30 * time.Second

// Loop is the control loop driving a Scheduler.  It pulls frames from the
// Source while slots are free, delivers completed results to the Presenter in
// sequence order, offers them to the Archiver and on shutdown drains in
// flight work and flushes the archive.
type Loop[F, R any] struct {
	sched     *Scheduler[F, R]
	source    Source[F]
	presenter Presenter[F, R]
	archive   Archiver[R]
	log       zerolog.Logger

	pollInterval time.Duration
	drainTimeout time.Duration
	flushTimeout time.Duration
	clock        func() time.Time

	// release frees frames that are not handed to the Presenter
	release func(F)

	// presenting is cleared once the Presenter returns ErrStop
	presenting bool
}

// NewLoop returns a control loop for the given Scheduler, Source and Presenter
func NewLoop[F, R any](sched *Scheduler[F, R], source Source[F],
	presenter Presenter[F, R], log zerolog.Logger) *Loop[F, R] {

	return &Loop[F, R]{
		sched:        sched,
		source:       source,
		presenter:    presenter,
		log:          log.With().Str("component", "loop").Logger(),
		pollInterval: DefaultPollInterval,
		flushTimeout: DefaultFlushTimeout,
		clock:        time.Now,
		presenting:   true,
	}
}

// SetArchive sets the Archiver delivered results are offered to
func (l *Loop[F, R]) SetArchive(a Archiver[R]) {
	l.archive = a
}

// SetPollInterval sets how long AwaitAny blocks before the loop rechecks for
// cancellation
func (l *Loop[F, R]) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

// SetDrainTimeout limits how long shutdown waits for in flight frames.  Zero
// waits until they have all completed.
func (l *Loop[F, R]) SetDrainTimeout(d time.Duration) {
	l.drainTimeout = d
}

// SetFlushTimeout limits how long shutdown spends delivering drained results
// and flushing the archive once draining has finished or timed out.  Zero
// waits until the flush completes.
func (l *Loop[F, R]) SetFlushTimeout(d time.Duration) {
	l.flushTimeout = d
}

// SetRelease sets a function given every frame the Presenter will not see,
// eg: frames delivered after the Presenter stopped or abandoned by a timed
// out drain
func (l *Loop[F, R]) SetRelease(fn func(F)) {
	l.release = fn
	l.sched.SetRelease(fn)
}

// SetClock sets the wall clock used to timestamp archived results
func (l *Loop[F, R]) SetClock(clock func() time.Time) {
	l.clock = clock
}

// Run drives the pipeline until the Source is exhausted, the Presenter stops,
// ctx is cancelled or a fatal error occurs.  In every case in flight frames are
// drained and delivered and the archive is flushed before Run returns.  The
// returned error is nil for a graceful shutdown.
func (l *Loop[F, R]) Run(ctx context.Context) error {

	runErr := l.run(ctx)

	if errors.Is(runErr, ErrStop) {
		runErr = nil
	}

	return l.shutdown(ctx, runErr)
}

// run is the submit/deliver/await cycle
func (l *Loop[F, R]) run(ctx context.Context) error {

	for {
		if ctx.Err() != nil {
			l.log.Info().Msg("Cancellation requested, stopping submission")
			return nil
		}

		// deliver the next result in order before admitting more work
		c, ok, err := l.sched.Next()

		if err != nil {
			return err
		}

		if ok {
			if err := l.deliver(ctx, c); err != nil {
				return err
			}

			continue
		}

		if l.sched.SlotAvailable() {
			start := time.Now()
			frame, err := l.source.Read()

			if errors.Is(err, ErrSourceExhausted) {
				l.log.Info().Msg("Frame source exhausted")
				return nil
			}

			if err != nil {
				return fmt.Errorf("error reading frame: %w", err)
			}

			_, err = l.sched.Submit(frame, Meta{Start: start})

			if err != nil {
				l.releaseFrame(frame)
			}

			if errors.Is(err, ErrCapacityExceeded) {
				l.log.Warn().Msg("No idle slot after checking availability, frame dropped")
				continue
			}

			if err != nil {
				return err
			}

			continue
		}

		// no result ready and no slot free, wait for a completion
		_, err = l.sched.AwaitAny(ctx, l.pollInterval)

		if err != nil && ctx.Err() == nil {
			return err
		}
	}
}

// deliver offers a result to the archive then the presenter
func (l *Loop[F, R]) deliver(ctx context.Context, c Completed[F, R]) error {

	if l.archive != nil {
		err := l.archive.Accept(ctx, c.Result, l.clock())

		if err != nil {
			// the archive applies its own retain or drop policy, a failed
			// flush does not stop real time delivery
			l.log.Warn().Err(err).Uint64("seq", c.Seq).Msg("Archive flush failed")
		}
	}

	if !l.presenting {
		l.releaseFrame(c.Frame)
		return nil
	}

	err := l.presenter.Present(c)

	if errors.Is(err, ErrStop) {
		l.presenting = false
		return ErrStop
	}

	if err != nil {
		return fmt.Errorf("error presenting frame %d: %w", c.Seq, err)
	}

	return nil
}

// releaseFrame passes frame to the release function if one is set
func (l *Loop[F, R]) releaseFrame(frame F) {
	if l.release != nil {
		l.release(frame)
	}
}

// shutdown drains outstanding work, delivers it and flushes the archive
func (l *Loop[F, R]) shutdown(ctx context.Context, runErr error) error {

	// cancellation of ctx must not abandon in flight slots
	drainCtx := context.WithoutCancel(ctx)

	if l.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, l.drainTimeout)
		defer cancel()
	}

	stats := l.sched.Stats()
	l.log.Info().Int("in_flight", stats.InFlight).Int("pending", stats.Pending).
		Msg("Draining pipeline")

	remaining, drainErr := l.sched.Drain(drainCtx)

	if drainErr != nil && drainCtx.Err() != nil {
		l.log.Warn().Err(drainErr).Int("completed", len(remaining)).
			Msg("Drain timed out, delivering completed frames only")
		drainErr = fmt.Errorf("error draining pipeline: %w", drainErr)
	}

	// the drain deadline may be spent, delivery and the final flush get
	// their own
	flushCtx := context.WithoutCancel(ctx)

	if l.flushTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(flushCtx, l.flushTimeout)
		defer cancel()
	}

	for _, c := range remaining {
		err := l.deliver(flushCtx, c)

		if err != nil && !errors.Is(err, ErrStop) {
			l.log.Error().Err(err).Uint64("seq", c.Seq).Msg("Error delivering drained frame")
		}
	}

	var flushErr error

	if l.archive != nil {
		flushErr = l.archive.FlushNow(flushCtx)

		if flushErr != nil {
			flushErr = fmt.Errorf("error flushing archive: %w", flushErr)
		}
	}

	// the fault was already reported by run
	if runErr != nil && errors.Is(drainErr, ErrInferenceFailure) {
		drainErr = nil
	}

	return errors.Join(runErr, drainErr, flushErr)
}
