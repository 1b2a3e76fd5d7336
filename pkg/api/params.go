package api

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// fieldPrefix marks body field filters, e.g. field.source=SIMULATOR
const fieldPrefix = "field."

// parseParams reads the filter and paging parameters shared by list,
// export and subscribe requests.
func parseParams(v url.Values) (query.Params, error) {
	var p query.Params
	var err error

	if p.Start, err = parseTime(v, "start"); err != nil {
		return p, err
	}
	if p.Stop, err = parseTime(v, "stop"); err != nil {
		return p, err
	}
	if p.Limit, err = parseInt(v, "limit"); err != nil {
		return p, err
	}
	if p.Pos, err = parseInt(v, "pos"); err != nil {
		return p, err
	}

	p.Names = nonEmpty(v["name"])
	p.Types = nonEmpty(v["type"])
	p.Q = v.Get("q")
	p.Order = v.Get("order")
	p.Next = v.Get("next")

	if s := v.Get("severity"); s != "" {
		sev, err := query.ParseSeverity(s)
		if err != nil {
			return p, err
		}
		p.Extra = append(p.Extra, query.AtLeast(sev))
	}

	// Sorted so that the predicate list does not depend on map order.
	var fields []string
	for k := range v {
		if strings.HasPrefix(k, fieldPrefix) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	for _, k := range fields {
		path := strings.TrimPrefix(k, fieldPrefix)
		if path == "" {
			return p, errs.InvalidArgument("empty field path")
		}
		p.Extra = append(p.Extra, query.Field{Path: path, Values: v[k]})
	}

	return p, nil
}

func parseTime(v url.Values, key string) (*time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errs.InvalidArgument("invalid %s time %q", key, s)
	}
	if !types.ValidTime(t) {
		return nil, errs.InvalidArgument("%s time %q outside the archive time range", key, s)
	}
	return &t, nil
}

func parseInt(v url.Values, key string) (*int, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, errs.InvalidArgument("invalid %s %q", key, s)
	}
	return &n, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
