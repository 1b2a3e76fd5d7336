package stream

import (
	"context"

	"github.com/vjranagit/tmarchive/pkg/cursor"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Page is one bounded slice of an ordered listing
type Page struct {
	Items []types.Record
	// Next is set iff the store held at least one record past the page.
	Next *cursor.Token
}

// ContinuationToken returns the encoded Next token, or "" on the last page
func (p *Page) ContinuationToken() string {
	if p.Next == nil {
		return ""
	}
	return cursor.Encode(*p.Next)
}

// BuildPage collects one page of at most d.Limit records from src.
//
// Consume stops the scan on the first record past d.Limit, so the source
// yields at most d.Limit+1 records. When that extra record exists the
// page gets a token positioned on the last record kept; resuming with
// d.Cursor set to that token starts with the record that was peeked at.
// Tokens carry the source tag when d spans several sources.
//
// Scan failures and cancellation return an error and no page.
func BuildPage(ctx context.Context, src Source, d *query.Descriptor) (*Page, error) {
	if d.Limit <= 0 {
		return nil, errs.ErrInvalidLimit
	}
	if ts, ok := src.(interface{ Tags() []string }); ok && len(d.SourceOrder) == 0 {
		d = d.WithSourceOrder(ts.Tags())
	}

	items := make([]types.Record, 0, min(d.Limit, 1024))
	var more bool
	err := Consume(ctx, src, d, Handler{
		OnRecord: func(r types.Record) { items = append(items, r) },
		OnDone:   func(_ *types.Record, overflowed bool) { more = overflowed },
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Items: items}
	if more && len(items) > 0 {
		tok := cursor.FromRecord(items[len(items)-1], d.Tagged())
		page.Next = &tok
	}
	return page, nil
}
