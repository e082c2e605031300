// Package inmemory is a process-local measurement store, used for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"strconv"
	"sync"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
)

var _ domain.Store = (*Store)(nil)

// Store keeps measurements in insertion order. When capacity is positive the
// oldest measurement is evicted once the store is full.
type Store struct {
	mu       sync.RWMutex
	items    []measurement.Measurement
	nextID   uint64
	capacity int
}

// NewStore creates an empty store. capacity 0 means unbounded.
func NewStore(capacity int) *Store {
	return &Store{capacity: max(capacity, 0)}
}

func (s *Store) Insert(_ context.Context, m *measurement.Measurement) error {
	m.Finalize()
	m.Ensure()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = strconv.FormatUint(s.nextID, 10)
	if s.capacity > 0 && len(s.items) >= s.capacity {
		s.items = append(s.items[:0], s.items[1:]...)
	}
	s.items = append(s.items, clone(*m))
	return nil
}

func (s *Store) Filter(_ context.Context, f query.Filter) ([]measurement.Measurement, error) {
	matched := s.collect(f.MatchListing)
	query.SortMeasurements(matched, f.Sort)
	return query.Paginate(matched, f.Skip, f.Limit), nil
}

func (s *Store) Summary(_ context.Context, f query.Filter) ([]measurement.Summary, error) {
	rows := query.Summarize(s.collect(f.MatchSummary))
	query.SortSummaries(rows, f.Sort)
	return rows, nil
}

func (s *Store) Timeseries(_ context.Context, f query.Filter) (map[string]int, error) {
	series, err := query.NewSeries(f)
	if err != nil {
		return nil, err
	}
	for _, m := range s.collect(f.InWindow) {
		series.Add(m.StartedAt)
	}
	return series.Counts(), nil
}

func (s *Store) MethodDistribution(_ context.Context, f query.Filter) (map[string]int, error) {
	return query.Distribution(s.collect(f.InWindow)), nil
}

func (s *Store) Get(_ context.Context, id string) (*measurement.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(id); i >= 0 {
		m := clone(s.items[i])
		return &m, nil
	}
	return nil, nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return false, nil
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true, nil
}

func (s *Store) Truncate(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.items) > 0
	s.items = nil
	return removed, nil
}

// Len returns the number of stored measurements.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() error { return nil }

func (s *Store) collect(match func(*measurement.Measurement) bool) []measurement.Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []measurement.Measurement
	for i := range s.items {
		if match(&s.items[i]) {
			out = append(out, clone(s.items[i]))
		}
	}
	return out
}

// index must be called with the lock held.
func (s *Store) index(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// clone copies the top level containers so callers cannot mutate stored data.
func clone(m measurement.Measurement) measurement.Measurement {
	if m.Args != nil {
		m.Args = append([]any(nil), m.Args...)
	}
	if m.Kwargs != nil {
		kw := make(map[string]any, len(m.Kwargs))
		for k, v := range m.Kwargs {
			kw[k] = v
		}
		m.Kwargs = kw
	}
	if m.Context != nil {
		c := make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			c[k] = v
		}
		m.Context = c
	}
	return m
}
