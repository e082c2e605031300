package query

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/fllarpy/request-profiler/domain/measurement"
)

// MaxSeriesBuckets bounds the number of buckets a single time series may hold.
const MaxSeriesBuckets = 24 * 366 * 2

// SortMeasurements orders ms in place by s. Ties keep insertion order.
func SortMeasurements(ms []measurement.Measurement, s Sort) {
	slices.SortStableFunc(ms, func(a, b measurement.Measurement) int {
		var c int
		switch s.Field {
		case FieldID:
			c = compareIDs(a.ID, b.ID)
		case FieldStartedAt:
			c = cmp.Compare(a.StartedAt, b.StartedAt)
		case FieldElapsed:
			c = cmp.Compare(a.Elapsed, b.Elapsed)
		case FieldMethod:
			c = cmp.Compare(a.Method, b.Method)
		case FieldName:
			c = cmp.Compare(a.Name, b.Name)
		default:
			c = cmp.Compare(a.EndedAt, b.EndedAt)
		}
		if s.Direction == Desc {
			return -c
		}
		return c
	})
}

// compareIDs orders numeric ids numerically and everything else lexically.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(a, b)
}

// Paginate returns the page of items selected by skip and limit.
func Paginate[T any](items []T, skip, limit int) []T {
	if skip >= len(items) || limit <= 0 {
		return []T{}
	}
	if skip < 0 {
		skip = 0
	}
	rest := items[skip:]
	if limit < len(rest) {
		rest = rest[:limit]
	}
	return rest
}

// Summarize groups ms by (method, name).
func Summarize(ms []measurement.Measurement) []measurement.Summary {
	type key struct{ method, name string }
	index := make(map[key]int)
	sums := make([]float64, 0)
	out := make([]measurement.Summary, 0)

	for _, m := range ms {
		k := key{m.Method, m.Name}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, measurement.Summary{
				Method:     m.Method,
				Name:       m.Name,
				MinElapsed: m.Elapsed,
				MaxElapsed: m.Elapsed,
			})
			sums = append(sums, 0)
		}
		row := &out[i]
		row.Count++
		row.MinElapsed = min(row.MinElapsed, m.Elapsed)
		row.MaxElapsed = max(row.MaxElapsed, m.Elapsed)
		sums[i] += m.Elapsed
	}
	for i := range out {
		out[i].AvgElapsed = sums[i] / float64(out[i].Count)
	}
	return out
}

// SortSummaries orders rows in place by s.
func SortSummaries(rows []measurement.Summary, s Sort) {
	slices.SortStableFunc(rows, func(a, b measurement.Summary) int {
		var c int
		switch s.Field {
		case FieldMethod:
			c = cmp.Compare(a.Method, b.Method)
		case FieldName:
			c = cmp.Compare(a.Name, b.Name)
		case FieldMinElapsed:
			c = cmp.Compare(a.MinElapsed, b.MinElapsed)
		case FieldMaxElapsed:
			c = cmp.Compare(a.MaxElapsed, b.MaxElapsed)
		case FieldAvgElapsed:
			c = cmp.Compare(a.AvgElapsed, b.AvgElapsed)
		default:
			c = cmp.Compare(a.Count, b.Count)
		}
		if s.Direction == Desc {
			return -c
		}
		return c
	})
}

// Distribution counts ms per method.
func Distribution(ms []measurement.Measurement) map[string]int {
	out := make(map[string]int)
	for _, m := range ms {
		out[m.Method]++
	}
	return out
}

// Series is a dense time series: every bucket between the window bounds is
// present, including empty ones.
type Series struct {
	interval Interval
	loc      *time.Location
	counts   map[string]int
}

// NewSeries creates the zero-filled buckets covering the window of f.
func NewSeries(f Filter) (*Series, error) {
	s := &Series{
		interval: f.Interval,
		loc:      f.Location,
		counts:   make(map[string]int),
	}
	if s.interval != Daily {
		s.interval = Hourly
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if f.EndedAt < f.StartedAt {
		return s, nil
	}

	end := measurement.Time(f.EndedAt).In(s.loc)
	for t := s.truncate(measurement.Time(f.StartedAt)); !t.After(end); t = s.next(t) {
		if len(s.counts) >= MaxSeriesBuckets {
			return nil, fmt.Errorf("%w: time window spans more than %d %s buckets",
				ErrInvalid, MaxSeriesBuckets, s.interval)
		}
		s.counts[s.format(t)] = 0
	}
	return s, nil
}

// Add counts one record started at epoch.
func (s *Series) Add(epoch float64) { s.AddN(epoch, 1) }

// AddN counts n records started at epoch.
func (s *Series) AddN(epoch float64, n int) {
	s.counts[s.Label(epoch)] += n
}

// Label returns the bucket label of epoch.
func (s *Series) Label(epoch float64) string {
	return s.format(measurement.Time(epoch))
}

// Counts returns the bucket counts keyed by label.
func (s *Series) Counts() map[string]int {
	return s.counts
}

func (s *Series) format(t time.Time) string {
	t = t.In(s.loc)
	if s.interval == Daily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15")
}

func (s *Series) truncate(t time.Time) time.Time {
	t = t.In(s.loc)
	if s.interval == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, s.loc)
}

func (s *Series) next(t time.Time) time.Time {
	if s.interval == Daily {
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, s.loc)
	}
	return t.Add(time.Hour)
}
