package query

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Predicate is an opaque record filter passed through to the store
type Predicate interface {
	Match(r types.Record) bool
	String() string
}

// NameIn matches records whose name is one of the listed values
type NameIn []string

func (p NameIn) Match(r types.Record) bool { return slices.Contains(p, r.Name) }
func (p NameIn) String() string           { return fmt.Sprintf("name in %v", []string(p)) }

// TypeIn matches records whose type is one of the listed values
type TypeIn []string

func (p TypeIn) Match(r types.Record) bool { return slices.Contains(p, r.Type) }
func (p TypeIn) String() string           { return fmt.Sprintf("type in %v", []string(p)) }

// NameGlob matches record names against a '*' / '?' pattern
type NameGlob string

func (p NameGlob) Match(r types.Record) bool { return match.Match(r.Name, string(p)) }
func (p NameGlob) String() string           { return fmt.Sprintf("name like %q", string(p)) }

// AnyOf matches when at least one of its predicates matches
type AnyOf []Predicate

func (p AnyOf) Match(r types.Record) bool {
	for _, q := range p {
		if q.Match(r) {
			return true
		}
	}
	return false
}

func (p AnyOf) String() string {
	parts := make([]string, len(p))
	for i, q := range p {
		parts[i] = q.String()
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

// Text is a case-insensitive substring match over name and body
type Text string

func (p Text) Match(r types.Record) bool {
	needle := bytes.ToLower([]byte(p))
	if bytes.Contains(bytes.ToLower([]byte(r.Name)), needle) {
		return true
	}
	return bytes.Contains(bytes.ToLower(r.Body), needle)
}

func (p Text) String() string { return fmt.Sprintf("text contains %q", string(p)) }

// Field matches records whose JSON body has Path equal to one of Values.
// Path uses gjson syntax.
type Field struct {
	Path   string
	Values []string
}

func (p Field) Match(r types.Record) bool {
	if len(r.Body) == 0 {
		return false
	}
	v := gjson.GetBytes(r.Body, p.Path)
	if !v.Exists() {
		return false
	}
	return slices.Contains(p.Values, v.String())
}

func (p Field) String() string { return fmt.Sprintf("%s in %v", p.Path, p.Values) }

// Severity ranks record severities. ERROR ranks with SEVERE.
type Severity int

const (
	Info Severity = iota
	Watch
	Warning
	Distress
	Critical
	Severe
)

var severities = map[string]Severity{
	"INFO":     Info,
	"WATCH":    Watch,
	"WARNING":  Warning,
	"DISTRESS": Distress,
	"CRITICAL": Critical,
	"SEVERE":   Severe,
	"ERROR":    Severe,
}

// ParseSeverity accepts a severity name in any case
func ParseSeverity(s string) (Severity, error) {
	if sev, ok := severities[strings.ToUpper(s)]; ok {
		return sev, nil
	}
	return Info, errs.InvalidArgument("unknown severity %q", s)
}

// SeverityOf reads the body field "severity"; records without one are INFO.
func SeverityOf(r types.Record) Severity {
	if len(r.Body) == 0 {
		return Info
	}
	sev, ok := severities[strings.ToUpper(gjson.GetBytes(r.Body, "severity").String())]
	if !ok {
		return Info
	}
	return sev
}

func (s Severity) String() string {
	for name, sev := range severities {
		if sev == s && name != "ERROR" {
			return name
		}
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// AtLeast matches records whose severity is at least the threshold
type AtLeast Severity

func (p AtLeast) Match(r types.Record) bool { return SeverityOf(r) >= Severity(p) }
func (p AtLeast) String() string           { return fmt.Sprintf("severity >= %s", Severity(p)) }
