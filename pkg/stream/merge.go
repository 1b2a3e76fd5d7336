package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Tagged names a Source taking part in a merge
type Tagged struct {
	Tag    string
	Source Source
}

// Merge returns a Source that interleaves the given sources into one
// stream ordered by (time, seq) in the requested direction.
//
// Exact (time, seq) ties across sources go to the source listed first, in
// both directions. The order of the arguments is therefore part of the
// listing's contract: tokens minted from a merged page are only valid
// against a merge of the same tags in the same order.
//
// Every source is scanned with the same descriptor, extended with the tag
// order so each applies the cursor itself. If any source fails the merged
// scan fails.
func Merge(sources ...Tagged) Source {
	tags := make([]string, len(sources))
	for i, s := range sources {
		tags[i] = s.Tag
	}
	return &merged{sources: sources, tags: tags}
}

type merged struct {
	sources []Tagged
	tags    []string
}

// Tags returns the source tags in priority order
func (m *merged) Tags() []string {
	return m.tags
}

// head is the next pending record of one source
type head struct {
	rank int
	rec  types.Record
	ok   bool
	recs chan types.Record
	errc chan error
}

func (m *merged) Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	// No source scan outlives the merged one.
	defer func() {
		cancel()
		wg.Wait()
	}()

	sd := d.WithSourceOrder(m.tags)
	heads := make([]*head, len(m.sources))
	for i, s := range m.sources {
		h := &head{rank: i, recs: make(chan types.Record), errc: make(chan error, 1)}
		heads[i] = h
		wg.Add(1)
		go func(s Tagged) {
			defer wg.Done()
			err := s.Source.Scan(ctx, sd, func(r types.Record) bool {
				select {
				case h.recs <- r:
					return true
				case <-ctx.Done():
					return false
				}
			})
			if err != nil {
				err = fmt.Errorf("%s: %w", s.Tag, err)
			}
			h.errc <- err
			close(h.recs)
		}(s)
	}

	advance := func(h *head) error {
		r, ok := <-h.recs
		if ok {
			h.rec, h.ok = r, true
			return nil
		}
		h.ok = false
		return <-h.errc
	}

	for _, h := range heads {
		if err := advance(h); err != nil {
			return err
		}
	}

	for {
		var best *head
		for _, h := range heads {
			if !h.ok {
				continue
			}
			// Strict comparison keeps the lower rank on exact ties.
			if best == nil || query.Less(d.Direction, h.rec.Key(), best.rec.Key()) {
				best = h
			}
		}
		if best == nil {
			return nil
		}
		if !fn(best.rec) {
			return nil
		}
		if err := advance(best); err != nil {
			return err
		}
	}
}
