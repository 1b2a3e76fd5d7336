package live

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// State is the lifecycle position of a Subscription
type State int

const (
	Snapshotting State = iota
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Snapshotting:
		return "snapshotting"
	case Live:
		return "live"
	}
	return "closed"
}

// Subscription is one snapshot-then-live delivery
type Subscription struct {
	ID uuid.UUID

	match func(types.Record) bool
	out   func(Notification)

	mu     sync.Mutex
	state  State
	remove func()
	stop   func() bool
	done   chan struct{}
}

// Subscribe delivers the records of sys that pass match, in the order the
// set returns them, then registers for changes and forwards every later
// notification whose record passes match. out is called synchronously from
// the notifying goroutine; it must not block and must not call Cancel.
//
// A change racing with the snapshot may be delivered zero or two times.
//
// The subscription ends when Cancel is called or ctx is done, whichever
// comes first; the listener is deregistered exactly once.
func Subscribe(ctx context.Context, sys Subsystem, match func(types.Record) bool, out func(Notification)) (*Subscription, error) {
	if match == nil {
		match = func(types.Record) bool { return true }
	}
	s := &Subscription{
		ID:    uuid.New(),
		match: match,
		out:   out,
		state: Snapshotting,
		done:  make(chan struct{}),
	}

	for _, r := range sys.Snapshot(match) {
		if err := ctx.Err(); err != nil {
			s.close()
			return nil, errs.Cancelled(err)
		}
		out(Notification{Type: Snapshot, Record: r})
	}

	s.mu.Lock()
	s.state = Live
	s.mu.Unlock()

	remove, err := sys.AddListener(s.forward)
	if err != nil {
		s.close()
		return nil, errs.SourceFailure(err)
	}

	s.mu.Lock()
	if s.state == Closed {
		// Cancelled while registering.
		s.mu.Unlock()
		remove()
		return s, nil
	}
	s.remove = remove
	s.stop = context.AfterFunc(ctx, s.Cancel)
	s.mu.Unlock()
	return s, nil
}

func (s *Subscription) forward(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Live || !s.match(n.Record) {
		return
	}
	s.out(n)
}

// Cancel ends the subscription. It is safe to call any number of times from
// any goroutine; no notification is forwarded after it returns.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	remove, stop := s.remove, s.stop
	s.remove, s.stop = nil, nil
	close(s.done)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if remove != nil {
		remove()
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.state != Closed {
		s.state = Closed
		close(s.done)
	}
	s.mu.Unlock()
}

// State returns the current lifecycle state
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
