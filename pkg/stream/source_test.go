package stream

import (
	"context"
	"sort"
	"time"

	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func rec(source string, sec int, seq uint64) types.Record {
	return types.Record{
		Source: source,
		Time:   t0.Add(time.Duration(sec) * time.Second),
		Seq:    seq,
		Name:   "/YSS/SIMULATOR/Alarm",
	}
}

// memSource is an in-memory ordered Source over a fixed record set.
type memSource struct {
	recs []types.Record
	// pulled counts records handed to the callback.
	pulled int
	// failAfter, if positive, fails the scan after that many records.
	failAfter int
	failErr   error
}

func newMemSource(recs ...types.Record) *memSource {
	return &memSource{recs: recs}
}

func (m *memSource) Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error {
	sorted := append([]types.Record(nil), m.recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return query.Less(d.Direction, sorted[i].Key(), sorted[j].Key())
	})
	n := 0
	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Admit(r) {
			continue
		}
		if m.failAfter > 0 && n == m.failAfter {
			return m.failErr
		}
		n++
		m.pulled++
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func keys(recs []types.Record) []types.Key {
	out := make([]types.Key, len(recs))
	for i, r := range recs {
		out[i] = r.Key()
	}
	return out
}
