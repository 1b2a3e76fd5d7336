// Package query builds the ordered query descriptor handed to archive
// scans: a time range, a sort direction, opaque record predicates, an
// optional resume position taken from a continuation token and a limit.
package query

import (
	"slices"
	"time"

	"github.com/vjranagit/tmarchive/pkg/cursor"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Direction is the requested sort order
type Direction int

const (
	// Descending returns the most recent records first. It is the default.
	Descending Direction = iota
	// Ascending returns the oldest records first
	Ascending
)

// String returns the wire form of d
func (d Direction) String() string {
	if d == Ascending {
		return "asc"
	}
	return "desc"
}

// ParseDirection accepts "asc", "desc" or the empty string (desc).
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "desc":
		return Descending, nil
	case "asc":
		return Ascending, nil
	}
	return Descending, errs.InvalidArgument("unsupported order %q", s)
}

// Unbounded is the limit of a streaming descriptor.
const Unbounded = 0

// Descriptor describes one ordered archive query. Descriptors are values;
// the With* methods return modified copies.
type Descriptor struct {
	// Start is inclusive, Stop exclusive. A zero time leaves that side open.
	Start time.Time
	Stop  time.Time

	Direction  Direction
	Predicates []Predicate

	// Cursor, when set, admits only records strictly after it in Direction.
	Cursor *cursor.Token

	// Limit is the maximum number of records to deliver; Unbounded for
	// streaming queries.
	Limit int

	// Offset skips that many matching records first. Deprecated: only
	// honoured when Cursor is nil.
	Offset int

	// SourceOrder lists the tables of a merged query in priority order.
	// It breaks exact (time, seq) ties, both in the merge and when
	// resuming from a tagged cursor.
	SourceOrder []string
}

// WithSourceOrder returns a copy of d carrying the merge priority order
func (d *Descriptor) WithSourceOrder(order []string) *Descriptor {
	c := *d
	c.SourceOrder = slices.Clone(order)
	return &c
}

// Tagged reports whether tokens minted for d must carry a source tag.
func (d *Descriptor) Tagged() bool {
	return len(d.SourceOrder) > 1
}

// CheckCursorSource verifies that a tagged cursor names one of the merged
// sources. A token minted by a different query shape fails here.
func (d *Descriptor) CheckCursorSource() error {
	if d.Cursor == nil {
		return nil
	}
	if !d.Tagged() {
		if d.Cursor.Source != "" {
			return errs.MalformedToken(errs.InvalidArgument("token is tagged for a merged listing"))
		}
		return nil
	}
	if d.Cursor.Source == "" || d.rank(d.Cursor.Source) < 0 {
		return errs.MalformedToken(errs.InvalidArgument("token source %q is not part of this listing", d.Cursor.Source))
	}
	return nil
}

func (d *Descriptor) rank(source string) int {
	return slices.Index(d.SourceOrder, source)
}

// InRange reports whether t falls in [Start, Stop).
func (d *Descriptor) InRange(t time.Time) bool {
	if !d.Start.IsZero() && t.Before(d.Start) {
		return false
	}
	if !d.Stop.IsZero() && !t.Before(d.Stop) {
		return false
	}
	return true
}

// Match applies the record predicates only: no range and no cursor. Live
// subscriptions use it as their object-level filter.
func (d *Descriptor) Match(r types.Record) bool {
	for _, p := range d.Predicates {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// AfterCursor reports whether r lies strictly after the cursor in the
// requested direction. Sequence numbers are consulted only on equal times,
// and source rank only on equal (time, seq).
func (d *Descriptor) AfterCursor(r types.Record) bool {
	c := d.Cursor
	if c == nil {
		return true
	}
	cmp := r.Key().Compare(c.Key())
	if cmp == 0 {
		if c.Source == "" || !d.Tagged() {
			return false
		}
		return d.rank(r.Source) > d.rank(c.Source)
	}
	if d.Direction == Descending {
		return cmp < 0
	}
	return cmp > 0
}

// Admit is the full per-record test applied by ordered sources.
func (d *Descriptor) Admit(r types.Record) bool {
	return d.InRange(r.Time) && d.AfterCursor(r) && d.Match(r)
}

// Less reports whether a sorts before b in direction dir. Exact key ties
// are left to the caller.
func Less(dir Direction, a, b types.Key) bool {
	cmp := a.Compare(b)
	if dir == Descending {
		return cmp > 0
	}
	return cmp < 0
}
