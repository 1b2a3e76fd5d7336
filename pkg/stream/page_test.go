package stream

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/vjranagit/tmarchive/pkg/cursor"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// resume builds the descriptor of the next request from a page's wire token.
func resume(t *testing.T, d *query.Descriptor, p *Page) *query.Descriptor {
	t.Helper()
	tok, err := cursor.Decode(p.ContinuationToken())
	if err != nil {
		t.Fatalf("Failed to decode continuation token: %v", err)
	}
	next := *d
	next.Cursor = &tok
	return &next
}

func seqs(recs []types.Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Seq
	}
	return out
}

func TestBuildPageAlarmScenario(t *testing.T) {
	src := fiveRecords()
	ctx := context.Background()
	d := &query.Descriptor{Direction: query.Descending, Limit: 2}

	p1, err := BuildPage(ctx, src, d)
	if err != nil {
		t.Fatalf("Failed to build page 1: %v", err)
	}
	if !slices.Equal(seqs(p1.Items), []uint64{5, 4}) {
		t.Errorf("Page 1: expected [5 4], got %v", seqs(p1.Items))
	}
	if p1.Next == nil || p1.Next.Seq != 4 || !p1.Next.Time.Equal(rec("", 4, 0).Time) {
		t.Fatalf("Page 1: expected token (t4, 4), got %+v", p1.Next)
	}
	if p1.Next.Source != "" {
		t.Errorf("Single source token must not be tagged, got %q", p1.Next.Source)
	}

	p2, err := BuildPage(ctx, src, resume(t, d, p1))
	if err != nil {
		t.Fatalf("Failed to build page 2: %v", err)
	}
	if !slices.Equal(seqs(p2.Items), []uint64{3, 2}) {
		t.Errorf("Page 2: expected [3 2], got %v", seqs(p2.Items))
	}
	if p2.Next == nil || p2.Next.Seq != 2 {
		t.Fatalf("Page 2: expected token (t2, 2), got %+v", p2.Next)
	}

	p3, err := BuildPage(ctx, src, resume(t, d, p2))
	if err != nil {
		t.Fatalf("Failed to build page 3: %v", err)
	}
	if !slices.Equal(seqs(p3.Items), []uint64{1}) {
		t.Errorf("Page 3: expected [1], got %v", seqs(p3.Items))
	}
	if p3.Next != nil || p3.ContinuationToken() != "" {
		t.Errorf("Page 3: expected no token, got %+v", p3.Next)
	}
}

func TestBuildPageBoundary(t *testing.T) {
	ctx := context.Background()
	d := &query.Descriptor{Direction: query.Ascending, Limit: 3}

	exact := newMemSource(rec("events", 1, 1), rec("events", 2, 2), rec("events", 3, 3))
	p, err := BuildPage(ctx, exact, d)
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if len(p.Items) != 3 || p.Next != nil {
		t.Errorf("Exactly limit records: expected 3 items and no token, got %d items, token %+v", len(p.Items), p.Next)
	}

	plusOne := newMemSource(rec("events", 1, 1), rec("events", 2, 2), rec("events", 3, 3), rec("events", 4, 4))
	p, err = BuildPage(ctx, plusOne, d)
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if len(p.Items) != 3 || p.Next == nil {
		t.Fatalf("Limit+1 records: expected 3 items and a token, got %d items, token %+v", len(p.Items), p.Next)
	}
	if cap(p.Items) != 3 {
		t.Errorf("The dropped record must not be reachable through the page, cap %d", cap(p.Items))
	}

	p, err = BuildPage(ctx, plusOne, resume(t, d, p))
	if err != nil {
		t.Fatalf("Failed to build second page: %v", err)
	}
	if !slices.Equal(seqs(p.Items), []uint64{4}) || p.Next != nil {
		t.Errorf("Second page: expected [4] without token, got %v, token %+v", seqs(p.Items), p.Next)
	}
}

func TestBuildPageTiesOnPrimary(t *testing.T) {
	// Several records share each timestamp; only seq tells them apart.
	src := newMemSource(
		rec("events", 1, 1), rec("events", 1, 2), rec("events", 1, 3),
		rec("events", 2, 4), rec("events", 2, 5),
	)
	for _, dir := range []query.Direction{query.Ascending, query.Descending} {
		d := &query.Descriptor{Direction: dir, Limit: 2}
		var all []uint64
		for {
			p, err := BuildPage(context.Background(), src, d)
			if err != nil {
				t.Fatalf("%v: failed to build page: %v", dir, err)
			}
			all = append(all, seqs(p.Items)...)
			if p.Next == nil {
				break
			}
			d = resume(t, d, p)
		}
		want := []uint64{1, 2, 3, 4, 5}
		if dir == query.Descending {
			slices.Reverse(want)
		}
		if !slices.Equal(all, want) {
			t.Errorf("%v: expected %v, got %v", dir, want, all)
		}
	}
}

func TestBuildPageIdempotentResume(t *testing.T) {
	src := fiveRecords()
	d := &query.Descriptor{Direction: query.Descending, Limit: 2}
	p, err := BuildPage(context.Background(), src, d)
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	next := resume(t, d, p)

	first, err := BuildPage(context.Background(), src, next)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := BuildPage(context.Background(), src, next)
		if err != nil {
			t.Fatalf("Failed to resume: %v", err)
		}
		if !slices.Equal(seqs(again.Items), seqs(first.Items)) || again.ContinuationToken() != first.ContinuationToken() {
			t.Errorf("Resume %d differs: %v vs %v", i, seqs(again.Items), seqs(first.Items))
		}
	}
}

func TestBuildPageDirectionSymmetry(t *testing.T) {
	src := fiveRecords()
	asc, err := BuildPage(context.Background(), src, &query.Descriptor{Direction: query.Ascending, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to build asc page: %v", err)
	}
	desc, err := BuildPage(context.Background(), src, &query.Descriptor{Direction: query.Descending, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to build desc page: %v", err)
	}
	reversed := seqs(asc.Items)
	slices.Reverse(reversed)
	if !slices.Equal(reversed, seqs(desc.Items)) {
		t.Errorf("Reversed asc %v differs from desc %v", reversed, seqs(desc.Items))
	}
}

func TestBuildPageRejectsZeroLimit(t *testing.T) {
	_, err := BuildPage(context.Background(), fiveRecords(), &query.Descriptor{Limit: 0})
	if !errors.Is(err, errs.ErrInvalidLimit) {
		t.Errorf("Expected ErrInvalidLimit, got %v", err)
	}
}

func TestBuildPageEmpty(t *testing.T) {
	p, err := BuildPage(context.Background(), newMemSource(), &query.Descriptor{Limit: 5})
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if len(p.Items) != 0 || p.Next != nil {
		t.Errorf("Expected empty final page, got %+v", p)
	}
}

func TestBuildPageDiscardsPartialResults(t *testing.T) {
	src := fiveRecords()
	src.failAfter = 1
	src.failErr = io.ErrClosedPipe

	p, err := BuildPage(context.Background(), src, &query.Descriptor{Limit: 3})
	if !errors.Is(err, errs.ErrSourceFailure) {
		t.Fatalf("Expected source failure, got %v", err)
	}
	if p != nil {
		t.Errorf("Expected no page after a failure, got %+v", p)
	}
}

func TestBuildPagePeeksOneRecord(t *testing.T) {
	src := fiveRecords()
	p, err := BuildPage(context.Background(), src, &query.Descriptor{Direction: query.Descending, Limit: 2})
	if err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if len(p.Items) != 2 || p.Next == nil {
		t.Fatalf("Expected 2 items and a token, got %d items, token %+v", len(p.Items), p.Next)
	}
	if src.pulled != 3 {
		t.Errorf("Expected limit+1 records pulled from the source, got %d", src.pulled)
	}

	exact := newMemSource(rec("events", 1, 1), rec("events", 2, 2))
	if _, err := BuildPage(context.Background(), exact, &query.Descriptor{Limit: 2}); err != nil {
		t.Fatalf("Failed to build page: %v", err)
	}
	if exact.pulled != 2 {
		t.Errorf("Expected 2 records pulled from an exhausted source, got %d", exact.pulled)
	}
}
