package metrics

import (
	"context"
	"time"

	"github.com/swdee/go-posepipe"
)

// DeliveryObserver is a Presenter that records the latency of every delivered
// result, it is chained ahead of the display presenters
type DeliveryObserver[F, R any] struct {
	m *Metrics
}

// NewDeliveryObserver returns a Presenter recording deliveries into m
func NewDeliveryObserver[F, R any](m *Metrics) *DeliveryObserver[F, R] {
	return &DeliveryObserver[F, R]{m: m}
}

// Present implements posepipe.Presenter
func (d *DeliveryObserver[F, R]) Present(c posepipe.Completed[F, R]) error {
	d.m.ObserveDelivery(c.Meta.Start)
	return nil
}

// countingArchiver counts archive write failures
type countingArchiver[R any] struct {
	next posepipe.Archiver[R]
	m    *Metrics
}

// WrapArchiver returns an Archiver that counts failed flushes into m before
// passing the error on
func WrapArchiver[R any](a posepipe.Archiver[R], m *Metrics) posepipe.Archiver[R] {
	return &countingArchiver[R]{next: a, m: m}
}

func (c *countingArchiver[R]) Accept(ctx context.Context, result R, ts time.Time) error {
	err := c.next.Accept(ctx, result, ts)

	if err != nil {
		c.m.ArchiveError()
	}

	return err
}

func (c *countingArchiver[R]) FlushNow(ctx context.Context) error {
	err := c.next.FlushNow(ctx)

	if err != nil {
		c.m.ArchiveError()
	}

	return err
}
