package live

import (
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// EventType classifies a notification
type EventType string

const (
	// Snapshot marks records delivered from the initial set
	Snapshot  EventType = "SNAPSHOT"
	Triggered EventType = "TRIGGERED"
	Updated   EventType = "UPDATED"
	Cleared   EventType = "CLEARED"
)

// Notification is one change of the current set
type Notification struct {
	Type   EventType    `json:"type"`
	Record types.Record `json:"record"`
}

// Subsystem owns a synchronously readable current set and notifies
// listeners of its changes.
type Subsystem interface {
	Snapshot(match func(types.Record) bool) []types.Record
	AddListener(fn func(Notification)) (remove func(), err error)
}

type activeKey struct {
	source string
	name   string
}

// ActiveSet tracks the currently active entries (e.g. alarms) of a tenant,
// keyed by source table and name.
type ActiveSet struct {
	mu        sync.RWMutex
	items     map[activeKey]types.Record
	listeners *Registry[Notification]
}

// NewActiveSet creates an empty set
func NewActiveSet() *ActiveSet {
	return &ActiveSet{
		items:     make(map[activeKey]types.Record),
		listeners: NewRegistry[Notification](),
	}
}

// Apply folds an archived record into the set. A body with
// "cleared": true removes the entry; anything else triggers or updates it.
// Listeners are notified in mutation order.
func (s *ActiveSet) Apply(r types.Record) {
	if len(r.Body) > 0 && gjson.GetBytes(r.Body, "cleared").Bool() {
		s.Clear(r)
		return
	}
	s.Put(r)
}

// Put triggers or updates the entry for r
func (s *ActiveSet) Put(r types.Record) {
	k := activeKey{r.Source, r.Name}
	s.mu.Lock()
	defer s.mu.Unlock()

	typ := Triggered
	if _, ok := s.items[k]; ok {
		typ = Updated
	}
	s.items[k] = r
	s.listeners.Publish(Notification{Type: typ, Record: r})
}

// Clear removes the entry for r. Clearing an absent entry is a no-op.
func (s *ActiveSet) Clear(r types.Record) bool {
	k := activeKey{r.Source, r.Name}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[k]; !ok {
		return false
	}
	delete(s.items, k)
	s.listeners.Publish(Notification{Type: Cleared, Record: r})
	return true
}

// Snapshot returns the matching active entries, oldest first.
func (s *ActiveSet) Snapshot(match func(types.Record) bool) []types.Record {
	s.mu.RLock()
	out := make([]types.Record, 0, len(s.items))
	for _, r := range s.items {
		if match == nil || match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key().Compare(out[j].Key()); c != 0 {
			return c < 0
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Len returns the number of active entries
func (s *ActiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// AddListener registers fn for change notifications. fn runs while the set
// is locked for writing and must not call back into the set.
func (s *ActiveSet) AddListener(fn func(Notification)) (func(), error) {
	return s.listeners.Add(fn), nil
}

// Listeners returns the number of registered listeners
func (s *ActiveSet) Listeners() int {
	return s.listeners.Len()
}
