// Package stream turns push-style ordered archive scans into bounded pages
// and merged streams.
//
// A Source pushes records one at a time into a callback and stops as soon
// as the callback returns false. Consume wraps a Source with limit,
// offset and cancellation handling; BuildPage bounds it into a Page with a
// continuation token; Merge fans several Sources into one ordered Source.
package stream

import (
	"context"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Source is an ordered scan primitive. Scan delivers every record admitted
// by d in d.Direction order and returns when fn returns false, the scan is
// exhausted, or ctx is done. Sources may ignore d.Limit and d.Offset;
// Consume enforces both.
type Source interface {
	Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error

// Scan calls f
func (f SourceFunc) Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error {
	return f(ctx, d, fn)
}

// Handler receives the records of one Consume call. Any field may be nil.
//
// OnRecord fires once per delivered record. Exactly one of OnDone and
// OnError fires afterwards, and nothing fires after it.
type Handler struct {
	OnRecord func(r types.Record)

	// OnDone reports normal completion, limit overflow or cancellation.
	// last is nil when nothing was delivered.
	OnDone func(last *types.Record, overflowed bool)

	// OnError reports a scan failure. Records already delivered are not
	// retracted but must not be finalized by the caller.
	OnError func(err error)
}

// Consume runs one scan of src under d. It delivers at most d.Limit
// records (all of them when d.Limit is query.Unbounded) after skipping
// d.Offset, and stops the scan on the first record past the limit.
// Cancellation is checked before each delivery.
//
// The returned error is nil on normal completion, wraps errs.ErrCancelled
// after cancellation and errs.ErrSourceFailure after a scan failure.
func Consume(ctx context.Context, src Source, d *query.Descriptor, h Handler) error {
	var (
		count      int
		skip       int
		last       types.Record
		delivered  bool
		overflowed bool
		finished   bool
	)
	if d.Cursor == nil {
		skip = d.Offset
	}

	err := src.Scan(ctx, d, func(r types.Record) bool {
		if finished || ctx.Err() != nil {
			finished = true
			return false
		}
		if skip > 0 {
			skip--
			return true
		}
		if d.Limit != query.Unbounded && count >= d.Limit {
			overflowed = true
			finished = true
			return false
		}
		count++
		last, delivered = r, true
		if h.OnRecord != nil {
			h.OnRecord(r)
		}
		return true
	})
	finished = true

	var lastp *types.Record
	if delivered {
		lastp = &last
	}

	switch {
	case err == nil && ctx.Err() == nil:
		done(h, lastp, overflowed)
		return nil
	case err == nil || errs.IsCancellation(err):
		cause := err
		if cause == nil {
			cause = ctx.Err()
		}
		done(h, lastp, false)
		return errs.Cancelled(cause)
	}

	err = errs.SourceFailure(err)
	if h.OnError != nil {
		h.OnError(err)
	}
	return err
}

func done(h Handler, last *types.Record, overflowed bool) {
	if h.OnDone != nil {
		h.OnDone(last, overflowed)
	}
}
