package sampler

import (
	"context"

	"github.com/gocomet/ride-coordination/internal/geo"
)

type fix struct {
	sample geo.Sample
	err    error
}

// Feed is a Source fed by client pushes. It holds at most one pending fix;
// a newer push replaces an unread one so the sampler always sees the freshest.
type Feed struct {
	ch chan fix
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{ch: make(chan fix, 1)}
}

// Push offers a raw sample
func (f *Feed) Push(s geo.Sample) {
	f.offer(fix{sample: s})
}

// Fail reports a device-side error such as ErrPermissionDenied
func (f *Feed) Fail(err error) {
	f.offer(fix{err: err})
}

func (f *Feed) offer(x fix) {
	for {
		select {
		case f.ch <- x:
			return
		default:
		}
		// drop the stale pending fix
		select {
		case <-f.ch:
		default:
		}
	}
}

// Next implements Source
func (f *Feed) Next(ctx context.Context) (geo.Sample, error) {
	select {
	case x := <-f.ch:
		return x.sample, x.err
	case <-ctx.Done():
		return geo.Sample{}, ctx.Err()
	}
}
