package types

import (
	"encoding/json"
	"math"
	"time"
)

// MinTime and MaxTime bound the times the archive can store. Keys hold
// nanoseconds since the epoch in an int64.
var (
	MinTime = time.Unix(0, math.MinInt64).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// ValidTime reports whether t lies in [MinTime, MaxTime]
func ValidTime(t time.Time) bool {
	return !t.Before(MinTime) && !t.After(MaxTime)
}

// Key is the sort position of a record: primary time, then sequence number
type Key struct {
	Time time.Time
	Seq  uint64
}

// Compare orders keys by time, then by sequence number.
// It returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	switch {
	case k.Time.Before(o.Time):
		return -1
	case k.Time.After(o.Time):
		return 1
	case k.Seq < o.Seq:
		return -1
	case k.Seq > o.Seq:
		return 1
	}
	return 0
}

// Record represents a single archived entry. Records are immutable once
// read from storage; Source tags the table the record came from so that
// records of different tables can share one merged stream.
type Record struct {
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
	Seq    uint64          `json:"seq"`
	Name   string          `json:"name,omitempty"`
	Type   string          `json:"type,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Key returns the record's sort position
func (r Record) Key() Key {
	return Key{Time: r.Time, Seq: r.Seq}
}

// WriteRequest represents a write request to the archive
type WriteRequest struct {
	TenantID string   `json:"tenant_id"`
	Table    string   `json:"table"`
	Records  []Record `json:"records"`
}
