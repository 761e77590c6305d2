package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FailurePolicy decides what happens to a unit the store failed to write
type FailurePolicy int

const (
	// PolicyRetain keeps failed units queued and retries them on the next
	// flush
	PolicyRetain FailurePolicy = iota
	// PolicyDrop discards failed units
	PolicyDrop
)

// DefaultMaxRetained is the number of failed units kept for retry when
// Options.MaxRetained is not set
const DefaultMaxRetained = 8

// String returns the configuration name of the policy
func (p FailurePolicy) String() string {
	switch p {
	case PolicyRetain:
		return "retain"
	case PolicyDrop:
		return "drop"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "retain" or "drop"
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retain":
		return PolicyRetain, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return 0, fmt.Errorf("unknown archive failure policy %q", s)
	}
}

// Options configures a Rotator
type Options struct {
	// Window is the bucket length, defaults to DefaultWindow
	Window time.Duration
	// Compress writes units zstd compressed
	Compress bool
	// Policy is applied when a unit fails to write
	Policy FailurePolicy
	// MaxRetained bounds the retry queue under PolicyRetain, the oldest unit
	// is dropped when exceeded
	MaxRetained int
	// RunID is stamped into every unit, a random UUID is used when empty
	RunID string
}

// RotatorStats is a snapshot of rotator activity
type RotatorStats struct {
	UnitsFlushed   uint64
	RecordsFlushed uint64
	Buffered       int
	Retained       int
	Failures       uint64
	Dropped        uint64
}

// pendingUnit is an encoded unit waiting to be written
type pendingUnit struct {
	key     string
	data    []byte
	records int
}

// Rotator accumulates results into time buckets and writes each bucket to the
// store as one unit once a result for a different bucket arrives.  It is
// owned by a single goroutine and is not safe for concurrent use.
type Rotator[R any] struct {
	store  Store
	opts   Options
	log    zerolog.Logger
	bucket Bucket
	open   bool
	// records of the open bucket
	records []Record[R]
	// queue of units awaiting a write, oldest first
	queue []pendingUnit
	// parts counts units written per bucket key in this run so a bucket
	// reopened after a flush does not overwrite its earlier unit
	parts map[string]int
	stats RotatorStats
}

// NewRotator returns a Rotator writing units to store
func NewRotator[R any](store Store, opts Options, log zerolog.Logger) (*Rotator[R], error) {

	if store == nil {
		return nil, fmt.Errorf("archive store is nil")
	}

	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}

	err := validateWindow(opts.Window)

	if err != nil {
		return nil, err
	}

	if opts.MaxRetained < 1 {
		opts.MaxRetained = DefaultMaxRetained
	}

	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	return &Rotator[R]{
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "archive").Logger(),
		parts: make(map[string]int),
	}, nil
}

// RunID returns the identifier stamped into units written by this rotator
func (r *Rotator[R]) RunID() string {
	return r.opts.RunID
}

// Window returns the bucket length
func (r *Rotator[R]) Window() time.Duration {
	return r.opts.Window
}

// Accept adds a result with its timestamp.  When ts falls in a different
// bucket than the open one, including a bucket earlier in time, the open
// bucket is flushed first.  The result is always accepted, a returned error
// only reports a failed flush.
func (r *Rotator[R]) Accept(ctx context.Context, result R, ts time.Time) error {

	b := BucketFor(ts, r.opts.Window)

	var err error

	if r.open && b.Key() != r.bucket.Key() {
		if ts.Before(r.bucket.Start) {
			r.log.Warn().Str("from", r.bucket.Key()).Str("to", b.Key()).
				Msg("Clock moved backwards, rotating archive bucket")
		}

		err = r.flush(ctx)
	}

	if !r.open {
		r.bucket = b
		r.open = true
	}

	r.records = append(r.records, Record[R]{Result: result, Timestamp: ts})

	return err
}

// FlushNow writes the open bucket if it holds any records, and retries any
// units retained from earlier failures
func (r *Rotator[R]) FlushNow(ctx context.Context) error {
	return r.flush(ctx)
}

// Stats returns a snapshot of rotator activity
func (r *Rotator[R]) Stats() RotatorStats {
	s := r.stats
	s.Buffered = len(r.records)
	s.Retained = len(r.queue)
	return s
}

// flush closes the open bucket and writes all queued units in order
func (r *Rotator[R]) flush(ctx context.Context) error {

	var errs []error

	if r.open && len(r.records) > 0 {
		unit, err := r.seal()

		if err != nil {
			errs = append(errs, err)
		} else {
			r.queue = append(r.queue, unit)
		}
	}

	r.open = false
	r.records = nil

	errs = append(errs, r.writeQueue(ctx)...)

	return errors.Join(errs...)
}

// seal encodes the open bucket into a pending unit
func (r *Rotator[R]) seal() (pendingUnit, error) {

	unit := Unit[R]{
		Version: FormatVersion,
		RunID:   r.opts.RunID,
		Bucket:  r.bucket,
		Window:  int64(r.opts.Window / time.Second),
		Records: r.records,
	}

	key := r.bucket.Key()

	if n := r.parts[key]; n > 0 {
		key = fmt.Sprintf("%s_%d", key, n)
	}

	r.parts[r.bucket.Key()]++
	key += extension(r.opts.Compress)

	data, err := Encode(unit, r.opts.Compress)

	if err != nil {
		r.stats.Failures++
		r.stats.Dropped++
		return pendingUnit{}, &WriteError{Key: key, Records: len(r.records),
			Dropped: true, Err: err}
	}

	return pendingUnit{key: key, data: data, records: len(r.records)}, nil
}

// writeQueue writes queued units oldest first.  Under PolicyRetain writing
// stops at the first failure so units land in bucket order.
func (r *Rotator[R]) writeQueue(ctx context.Context) []error {

	var errs []error

	for len(r.queue) > 0 {
		u := r.queue[0]

		err := r.store.Put(ctx, u.key, u.data)

		if err == nil {
			r.queue = r.queue[1:]
			r.stats.UnitsFlushed++
			r.stats.RecordsFlushed += uint64(u.records)

			r.log.Info().Str("unit", u.key).Int("records", u.records).
				Msg("Archive unit saved")
			continue
		}

		r.stats.Failures++

		if r.opts.Policy == PolicyDrop {
			r.queue = r.queue[1:]
			r.stats.Dropped++

			r.log.Warn().Err(err).Str("unit", u.key).Int("records", u.records).
				Msg("Dropping archive unit after write failure")

			errs = append(errs, &WriteError{Key: u.key, Records: u.records,
				Dropped: true, Err: err})
			continue
		}

		r.log.Warn().Err(err).Str("unit", u.key).Int("records", u.records).
			Int("retained", len(r.queue)).Msg("Retaining archive unit after write failure")

		errs = append(errs, &WriteError{Key: u.key, Records: u.records, Err: err})
		break
	}

	for len(r.queue) > r.opts.MaxRetained {
		old := r.queue[0]
		r.queue = r.queue[1:]
		r.stats.Dropped++

		r.log.Warn().Str("unit", old.key).Int("records", old.records).
			Msg("Archive retry queue full, dropping oldest unit")
	}

	return errs
}
