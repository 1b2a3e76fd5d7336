package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func alarm(source, name string, sec int, body string) types.Record {
	r := types.Record{Source: source, Name: name, Time: t0.Add(time.Duration(sec) * time.Second), Seq: uint64(sec)}
	if body != "" {
		r.Body = []byte(body)
	}
	return r
}

// countingSystem wraps an ActiveSet and counts listener removals.
type countingSystem struct {
	*ActiveSet
	removed atomic.Int32
	failAdd error
}

func (c *countingSystem) AddListener(fn func(Notification)) (func(), error) {
	if c.failAdd != nil {
		return nil, c.failAdd
	}
	remove, _ := c.ActiveSet.AddListener(fn)
	return func() {
		c.removed.Add(1)
		remove()
	}, nil
}

type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) out(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) list() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestActiveSetApply(t *testing.T) {
	s := NewActiveSet()
	var events []EventType
	remove, _ := s.AddListener(func(n Notification) { events = append(events, n.Type) })
	defer remove()

	s.Apply(alarm("parameter_alarms", "/YSS/A", 1, `{"severity":"WARNING"}`))
	s.Apply(alarm("parameter_alarms", "/YSS/A", 2, `{"severity":"CRITICAL"}`))
	s.Apply(alarm("event_alarms", "/YSS/A", 3, ""))
	s.Apply(alarm("parameter_alarms", "/YSS/A", 4, `{"cleared":true}`))
	s.Apply(alarm("parameter_alarms", "/YSS/B", 5, `{"cleared":true}`))

	want := []EventType{Triggered, Updated, Triggered, Cleared}
	if len(events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 active entry, got %d", s.Len())
	}
}

func TestSubscribeSnapshotThenLive(t *testing.T) {
	set := NewActiveSet()
	set.Put(alarm("parameter_alarms", "/YSS/B", 2, ""))
	set.Put(alarm("parameter_alarms", "/YSS/A", 1, ""))
	set.Put(alarm("event_alarms", "/OTHER/C", 3, ""))

	match := func(r types.Record) bool { return r.Name != "/OTHER/C" }
	rec := &recorder{}
	sub, err := Subscribe(context.Background(), set, match, rec.out)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Cancel()

	if sub.State() != Live {
		t.Errorf("Expected live state, got %v", sub.State())
	}

	set.Put(alarm("parameter_alarms", "/YSS/A", 4, ""))
	set.Put(alarm("event_alarms", "/OTHER/C", 5, "")) // out of scope
	set.Clear(alarm("parameter_alarms", "/YSS/B", 6, ""))

	got := rec.list()
	want := []struct {
		typ  EventType
		name string
	}{
		{Snapshot, "/YSS/A"},
		{Snapshot, "/YSS/B"},
		{Updated, "/YSS/A"},
		{Cleared, "/YSS/B"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d notifications, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].Record.Name != w.name {
			t.Errorf("Notification %d: expected %s %s, got %s %s", i, w.typ, w.name, got[i].Type, got[i].Record.Name)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	sys := &countingSystem{ActiveSet: NewActiveSet()}
	ctx, cancelCtx := context.WithCancel(context.Background())

	rec := &recorder{}
	sub, err := Subscribe(ctx, sys, nil, rec.out)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if sys.Listeners() != 1 {
		t.Fatalf("Expected 1 listener, got %d", sys.Listeners())
	}

	// Explicit unsubscribe racing with connection teardown.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	cancelCtx()
	wg.Wait()
	sub.Cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Subscription did not finish")
	}
	if n := sys.removed.Load(); n != 1 {
		t.Errorf("Expected exactly one deregistration, got %d", n)
	}
	if sys.Listeners() != 0 {
		t.Errorf("Expected no listeners, got %d", sys.Listeners())
	}

	sys.Put(alarm("parameter_alarms", "/YSS/A", 1, ""))
	if len(rec.list()) != 0 {
		t.Errorf("Notification forwarded after cancel: %+v", rec.list())
	}
}

func TestContextEndsSubscription(t *testing.T) {
	sys := &countingSystem{ActiveSet: NewActiveSet()}
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := Subscribe(ctx, sys, nil, func(Notification) {})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Context cancellation did not end the subscription")
	}
	sub.Cancel()
	if n := sys.removed.Load(); n != 1 {
		t.Errorf("Expected exactly one deregistration, got %d", n)
	}
}

func TestSubscribeRegistrationFailure(t *testing.T) {
	sys := &countingSystem{ActiveSet: NewActiveSet(), failAdd: errors.New("registry unavailable")}
	_, err := Subscribe(context.Background(), sys, nil, func(Notification) {})
	if !errors.Is(err, errs.ErrSourceFailure) {
		t.Errorf("Expected source failure, got %v", err)
	}
}

func TestSubscribeCancelledContext(t *testing.T) {
	set := NewActiveSet()
	set.Put(alarm("parameter_alarms", "/YSS/A", 1, ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Subscribe(ctx, set, nil, func(Notification) {})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if set.Listeners() != 0 {
		t.Errorf("Expected no listeners after a cancelled subscribe, got %d", set.Listeners())
	}
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	var calls atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			remove := r.Add(func(int) { calls.Add(1) })
			r.Publish(1)
			remove()
			remove()
		}()
		go func() {
			defer wg.Done()
			r.Publish(2)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
	if calls.Load() < 50 {
		t.Errorf("Expected every listener to see its own publish, got %d calls", calls.Load())
	}
}

func TestPollEmitsOnChangeOnly(t *testing.T) {
	var value atomic.Int32
	got := make(chan int32, 16)

	cancel := Poll(context.Background(), 5*time.Millisecond,
		func() int32 { return value.Load() },
		func(a, b int32) bool { return a == b },
		func(v int32) { got <- v },
	)
	defer cancel()

	expect := func(want int32) {
		t.Helper()
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("Expected %d, got %d", want, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for %d", want)
		}
	}

	expect(0)
	// Several ticks without a change must stay silent.
	time.Sleep(30 * time.Millisecond)
	select {
	case v := <-got:
		t.Fatalf("Unexpected emission %d without a change", v)
	default:
	}

	value.Store(3)
	expect(3)

	cancel()
	cancel()
}
