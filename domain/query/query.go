// Package query normalizes raw key-value requests into typed filters and holds
// the aggregation helpers shared by every storage backend, so the same query
// string yields the same logical result regardless of where data lives.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fllarpy/request-profiler/domain/measurement"
)

const (
	// DefaultWindow is how far back a query reaches when no startedAt is given.
	DefaultWindow = 7 * 24 * time.Hour
	// ForwardTolerance keeps records inserted concurrently with a query visible.
	ForwardTolerance = 500 * time.Millisecond
	// DefaultLimit caps a listing when no limit is given.
	DefaultLimit = 100
)

// ErrInvalid is returned when a raw query value cannot be parsed.
var ErrInvalid = errors.New("invalid query")

// Kind selects the sort whitelist applied during normalization.
type Kind int

const (
	KindListing Kind = iota
	KindSummary
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Sort is a validated (field, direction) pair. Field is always one of the
// canonical names of the whitelist it was parsed against.
type Sort struct {
	Field     string
	Direction Direction
}

// Interval is the bucket size of a time series.
type Interval string

const (
	Hourly Interval = "hourly"
	Daily  Interval = "daily"
)

// Sort fields, canonical spelling.
const (
	FieldID         = "id"
	FieldStartedAt  = "startedAt"
	FieldEndedAt    = "endedAt"
	FieldElapsed    = "elapsed"
	FieldMethod     = "method"
	FieldName       = "name"
	FieldCount      = "count"
	FieldMinElapsed = "minElapsed"
	FieldMaxElapsed = "maxElapsed"
	FieldAvgElapsed = "avgElapsed"
)

var (
	// ListingSortFields is the whitelist for measurement listings.
	ListingSortFields = []string{FieldID, FieldStartedAt, FieldEndedAt, FieldElapsed, FieldMethod, FieldName}
	// SummarySortFields is the whitelist for grouped summaries.
	SummarySortFields = []string{FieldMethod, FieldName, FieldCount, FieldMinElapsed, FieldMaxElapsed, FieldAvgElapsed}

	defaultListingSort = Sort{Field: FieldEndedAt, Direction: Desc}
	defaultSummarySort = Sort{Field: FieldCount, Direction: Desc}
)

// Filter is the normalized form of a query.
type Filter struct {
	StartedAt  float64
	EndedAt    float64
	MinElapsed *float64
	Method     string
	Name       string
	Sort       Sort
	Skip       int
	Limit      int
	Interval   Interval
	// Location is used for time series bucket labels.
	Location *time.Location
}

// Default returns the filter used when a request carries no parameters.
func Default(kind Kind, now time.Time) Filter {
	f, _ := Parse(nil, kind, now)
	return f
}

// Values flattens url.Values into the single-valued form Parse expects.
func Values(v url.Values) map[string]string {
	raw := make(map[string]string, len(v))
	for k := range v {
		raw[k] = v.Get(k)
	}
	return raw
}

// Parse normalizes raw request parameters. Unknown sort fields and directions
// fall back to the defaults of kind; malformed numbers are ErrInvalidQuery.
func Parse(raw map[string]string, kind Kind, now time.Time) (Filter, error) {
	f := Filter{
		StartedAt: measurement.EpochSeconds(now.Add(-DefaultWindow)),
		EndedAt:   measurement.EpochSeconds(now.Add(ForwardTolerance)),
		Method:    raw["method"],
		Name:      raw["name"],
		Sort:      ParseSort(raw["sort"], kind),
		Limit:     DefaultLimit,
		Interval:  Hourly,
		Location:  time.Local,
	}

	var err error
	if f.StartedAt, err = floatParam(raw, "startedAt", f.StartedAt); err != nil {
		return Filter{}, err
	}
	if f.EndedAt, err = floatParam(raw, "endedAt", f.EndedAt); err != nil {
		return Filter{}, err
	}
	if v := strings.TrimSpace(raw["elapsed"]); v != "" {
		elapsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: elapsed %q", ErrInvalid, v)
		}
		f.MinElapsed = &elapsed
	}
	if f.Skip, err = intParam(raw, "skip", 0); err != nil {
		return Filter{}, err
	}
	if f.Limit, err = intParam(raw, "limit", DefaultLimit); err != nil {
		return Filter{}, err
	}
	if Interval(strings.ToLower(strings.TrimSpace(raw["interval"]))) == Daily {
		f.Interval = Daily
	}
	return f, nil
}

// ParseSort parses "field,direction" against the whitelist of kind.
func ParseSort(s string, kind Kind) Sort {
	allowed, def := ListingSortFields, defaultListingSort
	if kind == KindSummary {
		allowed, def = SummarySortFields, defaultSummarySort
	}

	out := def
	parts := strings.Split(s, ",")
	if field := strings.TrimSpace(parts[0]); field != "" {
		for _, a := range allowed {
			if strings.EqualFold(a, field) {
				out.Field = a
				break
			}
		}
	}
	if len(parts) > 1 {
		switch Direction(strings.ToUpper(strings.TrimSpace(parts[1]))) {
		case Asc:
			out.Direction = Asc
		case Desc:
			out.Direction = Desc
		}
	}
	return out
}

func floatParam(raw map[string]string, key string, def float64) (float64, error) {
	v := strings.TrimSpace(raw[key])
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, key, v)
	}
	return f, nil
}

func intParam(raw map[string]string, key string, def int) (int, error) {
	v := strings.TrimSpace(raw[key])
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, key, v)
	}
	if i < 0 {
		return def, nil
	}
	return i, nil
}

// InWindow reports whether m lies inside [StartedAt, EndedAt].
func (f Filter) InWindow(m *measurement.Measurement) bool {
	return m.StartedAt >= f.StartedAt && m.EndedAt <= f.EndedAt
}

// MatchSummary applies the window and the minimum elapsed bound.
func (f Filter) MatchSummary(m *measurement.Measurement) bool {
	if !f.InWindow(m) {
		return false
	}
	return f.MinElapsed == nil || m.Elapsed >= *f.MinElapsed
}

// MatchListing applies every listing predicate.
func (f Filter) MatchListing(m *measurement.Measurement) bool {
	if !f.MatchSummary(m) {
		return false
	}
	if f.Method != "" && m.Method != f.Method {
		return false
	}
	return f.Name == "" || m.Name == f.Name
}
