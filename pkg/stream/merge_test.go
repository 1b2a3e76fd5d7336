package stream

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

func collect(t *testing.T, src Source, d *query.Descriptor) []types.Record {
	t.Helper()
	var out []types.Record
	if err := Consume(context.Background(), src, d, Handler{
		OnRecord: func(r types.Record) { out = append(out, r) },
	}); err != nil {
		t.Fatalf("Failed to consume: %v", err)
	}
	return out
}

func TestMergeOrderAndPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var a, b []types.Record
	for i := 0; i < 200; i++ {
		sec := rng.Intn(50)
		r := rec("parameter_alarms", sec, uint64(i))
		if rng.Intn(2) == 0 {
			r.Source = "event_alarms"
			b = append(b, r)
		} else {
			a = append(a, r)
		}
	}

	for _, dir := range []query.Direction{query.Ascending, query.Descending} {
		m := Merge(
			Tagged{Tag: "parameter_alarms", Source: newMemSource(a...)},
			Tagged{Tag: "event_alarms", Source: newMemSource(b...)},
		)
		got := collect(t, m, &query.Descriptor{Direction: dir, Limit: query.Unbounded})

		if len(got) != len(a)+len(b) {
			t.Fatalf("%v: expected %d records, got %d", dir, len(a)+len(b), len(got))
		}
		for i := 1; i < len(got); i++ {
			if query.Less(dir, got[i].Key(), got[i-1].Key()) {
				t.Fatalf("%v: out of order at %d: %v before %v", dir, i, got[i-1].Key(), got[i].Key())
			}
		}

		seen := make(map[uint64]int)
		for _, r := range got {
			seen[r.Seq]++
		}
		for _, r := range append(append([]types.Record(nil), a...), b...) {
			if seen[r.Seq] != 1 {
				t.Errorf("%v: record seq %d seen %d times", dir, r.Seq, seen[r.Seq])
			}
		}
	}
}

func TestMergeTiePriority(t *testing.T) {
	a := []types.Record{rec("parameter_alarms", 1, 1), rec("parameter_alarms", 2, 2)}
	b := []types.Record{rec("event_alarms", 1, 1), rec("event_alarms", 2, 2)}

	for _, dir := range []query.Direction{query.Ascending, query.Descending} {
		m := Merge(
			Tagged{Tag: "parameter_alarms", Source: newMemSource(a...)},
			Tagged{Tag: "event_alarms", Source: newMemSource(b...)},
		)
		got := collect(t, m, &query.Descriptor{Direction: dir, Limit: query.Unbounded})
		if len(got) != 4 {
			t.Fatalf("%v: expected 4 records, got %d", dir, len(got))
		}
		for i := 0; i < 4; i += 2 {
			if got[i].Source != "parameter_alarms" || got[i+1].Source != "event_alarms" {
				t.Errorf("%v: tie at %d resolved as %s, %s", dir, i, got[i].Source, got[i+1].Source)
			}
		}
	}
}

func TestMergePagingAcrossTies(t *testing.T) {
	var a, b []types.Record
	for i := 0; i < 6; i++ {
		a = append(a, rec("parameter_alarms", i/2, uint64(i%3)))
		b = append(b, rec("event_alarms", i/2, uint64(i%3)))
	}
	sources := []Tagged{
		{Tag: "parameter_alarms", Source: newMemSource(a...)},
		{Tag: "event_alarms", Source: newMemSource(b...)},
	}

	for _, dir := range []query.Direction{query.Ascending, query.Descending} {
		full := collect(t, Merge(sources...), &query.Descriptor{Direction: dir, Limit: query.Unbounded})

		for _, limit := range []int{1, 2, 3, 5} {
			d := (&query.Descriptor{Direction: dir, Limit: limit}).WithSourceOrder([]string{"parameter_alarms", "event_alarms"})
			var paged []types.Record
			for pages := 0; ; pages++ {
				if pages > len(full) {
					t.Fatalf("%v/%d: paging does not terminate", dir, limit)
				}
				p, err := BuildPage(context.Background(), Merge(sources...), d)
				if err != nil {
					t.Fatalf("Failed to build page: %v", err)
				}
				paged = append(paged, p.Items...)
				if p.Next == nil {
					break
				}
				if p.Next.Source == "" {
					t.Fatalf("%v/%d: merged token lacks a source tag", dir, limit)
				}
				d = resume(t, d, p)
			}

			if len(paged) != len(full) {
				t.Fatalf("%v/%d: expected %d records, got %d", dir, limit, len(full), len(paged))
			}
			for i := range full {
				if full[i].Source != paged[i].Source || full[i].Key() != paged[i].Key() {
					t.Errorf("%v/%d: record %d differs: %+v vs %+v", dir, limit, i, full[i], paged[i])
				}
			}
		}
	}
}

func TestMergeFailure(t *testing.T) {
	bad := newMemSource(rec("event_alarms", 1, 1), rec("event_alarms", 3, 3), rec("event_alarms", 5, 5))
	bad.failAfter = 2
	bad.failErr = io.ErrUnexpectedEOF
	good := newMemSource(rec("parameter_alarms", 2, 2), rec("parameter_alarms", 4, 4))

	m := Merge(Tagged{Tag: "parameter_alarms", Source: good}, Tagged{Tag: "event_alarms", Source: bad})
	_, err := BuildPage(context.Background(), m, &query.Descriptor{Direction: query.Ascending, Limit: 10})
	if !errors.Is(err, errs.ErrSourceFailure) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected the merge to fail as a whole, got %v", err)
	}
}

func TestMergeEarlyStop(t *testing.T) {
	var a, b []types.Record
	for i := 0; i < 100; i++ {
		a = append(a, rec("parameter_alarms", i, uint64(2*i)))
		b = append(b, rec("event_alarms", i, uint64(2*i+1)))
	}
	sa, sb := newMemSource(a...), newMemSource(b...)
	m := Merge(Tagged{Tag: "parameter_alarms", Source: sa}, Tagged{Tag: "event_alarms", Source: sb})

	p, err := BuildPage(context.Background(), m, &query.Descriptor{Direction: query.Ascending, Limit: 3})
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if len(p.Items) != 3 || p.Next == nil {
		t.Fatalf("Expected 3 items and a token, got %d, %+v", len(p.Items), p.Next)
	}
	got := keys(p.Items)
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Compare(got[j]) < 0 }) {
		t.Errorf("Page out of order: %v", got)
	}
}

func TestMergeCancellation(t *testing.T) {
	var a []types.Record
	for i := 0; i < 50; i++ {
		a = append(a, rec("parameter_alarms", i, uint64(i)))
	}
	m := Merge(Tagged{Tag: "parameter_alarms", Source: newMemSource(a...)}, Tagged{Tag: "event_alarms", Source: newMemSource()})

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := Consume(ctx, m, &query.Descriptor{Limit: query.Unbounded}, Handler{
		OnRecord: func(types.Record) {
			n++
			if n == 5 {
				cancel()
			}
		},
	})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if n != 5 {
		t.Errorf("Expected delivery to stop at 5, got %d", n)
	}
}

// slowExit is a Source that takes a while to wind down after its scan ends
type slowExit struct {
	Source
	running atomic.Int32
}

func (s *slowExit) Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error {
	s.running.Add(1)
	defer func() {
		time.Sleep(20 * time.Millisecond)
		s.running.Add(-1)
	}()
	return s.Source.Scan(ctx, d, fn)
}

func TestMergeWaitsForSources(t *testing.T) {
	var a, b []types.Record
	for i := 0; i < 50; i++ {
		a = append(a, rec("parameter_alarms", i, uint64(2*i)))
		b = append(b, rec("event_alarms", i, uint64(2*i+1)))
	}
	sa := &slowExit{Source: newMemSource(a...)}
	sb := &slowExit{Source: newMemSource(b...)}
	m := Merge(Tagged{Tag: "parameter_alarms", Source: sa}, Tagged{Tag: "event_alarms", Source: sb})

	if _, err := BuildPage(context.Background(), m, &query.Descriptor{Direction: query.Ascending, Limit: 1}); err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if n := sa.running.Load() + sb.running.Load(); n != 0 {
		t.Errorf("Expected every source scan to have returned, %d still running", n)
	}
}
