package query

import (
	"strings"
	"time"

	"github.com/vjranagit/tmarchive/pkg/cursor"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// DefaultLimit is the page size used when the request names none
const DefaultLimit = 100

// Params holds the raw filter inputs of a list or stream request
type Params struct {
	Start *time.Time
	Stop  *time.Time

	// Names are matched exactly; a value containing '*' or '?' is a glob.
	Names []string
	Types []string
	Q     string
	Order string

	Limit *int
	Next  string
	// Pos is the deprecated absolute offset.
	Pos *int

	// Extra predicates built by the caller, e.g. severity thresholds.
	Extra []Predicate
}

// Limits bounds the page size
type Limits struct {
	Default int
	Max     int
}

// Build validates p and returns a paged descriptor. All validation happens
// here, before any I/O.
func (p Params) Build(l Limits) (*Descriptor, error) {
	d, err := p.base()
	if err != nil {
		return nil, err
	}

	d.Limit = l.Default
	if d.Limit <= 0 {
		d.Limit = DefaultLimit
	}
	if p.Limit != nil {
		d.Limit = *p.Limit
	}
	if d.Limit <= 0 {
		return nil, errs.ErrInvalidLimit
	}
	if l.Max > 0 && d.Limit > l.Max {
		return nil, errs.InvalidArgument("limit %d exceeds maximum %d", d.Limit, l.Max)
	}

	if p.Next != "" && p.Pos != nil {
		return nil, errs.InvalidArgument("next and pos are mutually exclusive")
	}
	if p.Next != "" {
		tok, err := cursor.Decode(p.Next)
		if err != nil {
			return nil, err
		}
		if !types.ValidTime(tok.Time) {
			return nil, errs.MalformedToken(errs.InvalidArgument("token time outside the archive time range"))
		}
		d.Cursor = &tok
	}
	if p.Pos != nil {
		if *p.Pos < 0 {
			return nil, errs.InvalidArgument("pos must not be negative")
		}
		d.Offset = *p.Pos
	}
	return d, nil
}

// BuildStream returns an unbounded descriptor for exports and live
// subscriptions. Paging inputs are rejected.
func (p Params) BuildStream() (*Descriptor, error) {
	if p.Limit != nil || p.Next != "" || p.Pos != nil {
		return nil, errs.InvalidArgument("streaming requests take no limit, next or pos")
	}
	d, err := p.base()
	if err != nil {
		return nil, err
	}
	d.Limit = Unbounded
	return d, nil
}

func (p Params) base() (*Descriptor, error) {
	dir, err := ParseDirection(p.Order)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Direction: dir}

	if p.Start != nil {
		if !types.ValidTime(*p.Start) {
			return nil, errs.InvalidArgument("start %s outside the archive time range", p.Start.Format(time.RFC3339))
		}
		d.Start = *p.Start
	}
	if p.Stop != nil {
		if !types.ValidTime(*p.Stop) {
			return nil, errs.InvalidArgument("stop %s outside the archive time range", p.Stop.Format(time.RFC3339))
		}
		d.Stop = *p.Stop
	}
	if p.Start != nil && p.Stop != nil && !p.Start.Before(*p.Stop) {
		return nil, errs.InvalidArgument("start must be before stop")
	}

	if pred := namePredicate(p.Names); pred != nil {
		d.Predicates = append(d.Predicates, pred)
	}
	if len(p.Types) > 0 {
		d.Predicates = append(d.Predicates, TypeIn(p.Types))
	}
	if p.Q != "" {
		d.Predicates = append(d.Predicates, Text(p.Q))
	}
	d.Predicates = append(d.Predicates, p.Extra...)
	return d, nil
}

func namePredicate(names []string) Predicate {
	var exact NameIn
	var globs AnyOf
	for _, n := range names {
		if strings.ContainsAny(n, "*?") {
			globs = append(globs, NameGlob(n))
		} else {
			exact = append(exact, n)
		}
	}
	switch {
	case len(globs) == 0 && len(exact) == 0:
		return nil
	case len(globs) == 0:
		return exact
	}
	if len(exact) > 0 {
		globs = append(globs, exact)
	}
	return globs
}
