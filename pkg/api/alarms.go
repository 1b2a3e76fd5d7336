package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/vjranagit/tmarchive/pkg/live"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/storage"
	"github.com/vjranagit/tmarchive/pkg/stream"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Alarm tables, in merge priority order
const (
	ParameterAlarms = "parameter_alarms"
	EventAlarms     = "event_alarms"
)

var alarmTables = []string{ParameterAlarms, EventAlarms}

func isAlarmTable(table string) bool {
	return table == ParameterAlarms || table == EventAlarms
}

// AlarmTracker keeps the active alarm set of every tenant, fed by writes to
// the alarm tables.
type AlarmTracker struct {
	mu   sync.Mutex
	sets map[string]*live.ActiveSet
}

// NewAlarmTracker creates an empty tracker
func NewAlarmTracker() *AlarmTracker {
	return &AlarmTracker{sets: make(map[string]*live.ActiveSet)}
}

// For returns the active set of tenant, creating it on first use
func (a *AlarmTracker) For(tenant string) *live.ActiveSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.sets[tenant]
	if !ok {
		set = live.NewActiveSet()
		a.sets[tenant] = set
	}
	return set
}

// Observe is a storage append hook: it folds stored alarm records into the
// tenant's active set.
func (a *AlarmTracker) Observe(tenant, table string, records []types.Record) {
	if !isAlarmTable(table) {
		return
	}
	set := a.For(tenant)
	for _, r := range records {
		set.Apply(r)
	}
}

// Rebuild replays the alarm tables of every tenant, oldest first, so the
// active sets survive a restart.
func (a *AlarmTracker) Rebuild(ctx context.Context, store storage.Storage) error {
	for _, tenant := range store.Tenants() {
		set := a.For(tenant)
		for _, table := range alarmTables {
			if !store.HasTable(tenant, table) {
				continue
			}
			d := &query.Descriptor{Direction: query.Ascending, Limit: query.Unbounded}
			err := stream.Consume(ctx, store.Table(tenant, table), d, stream.Handler{
				OnRecord: set.Apply,
			})
			if err != nil {
				return fmt.Errorf("failed to rebuild %s/%s: %w", tenant, table, err)
			}
		}
		log.Info().Str("tenant", tenant).Int("active", set.Len()).Msg("Active alarms restored")
	}
	return nil
}

// alarmSource merges the alarm tables of a tenant
func (s *Server) alarmSource(tenant string) stream.Source {
	tagged := make([]stream.Tagged, len(alarmTables))
	for i, table := range alarmTables {
		tagged[i] = stream.Tagged{Tag: table, Source: s.storage.Table(tenant, table)}
	}
	return stream.Merge(tagged...)
}

// handleAlarms returns one page of the merged alarm history
func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	d, err := s.pageDescriptor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.servePage(w, r, s.alarmSource(tenantID(r)), d.WithSourceOrder(alarmTables))
}

// handleActiveAlarms returns the currently active alarms matching the
// request filters, oldest first.
func (s *Server) handleActiveAlarms(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := p.BuildStream()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := s.alarms.For(tenantID(r)).Snapshot(d.Match)
	writeJSON(w, http.StatusOK, pageResponse{Items: items})
}
