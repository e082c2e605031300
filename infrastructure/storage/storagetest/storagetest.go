// Package storagetest is the behavioural suite every storage backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) domain.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.Store)
	}{
		{"round trip", testRoundTrip},
		{"insert derives elapsed", testInsertDerivesElapsed},
		{"pagination", testPagination},
		{"default window", testDefaultWindow},
		{"listing filters", testListingFilters},
		{"listing sort", testListingSort},
		{"summary", testSummary},
		{"summary filters", testSummaryFilters},
		{"timeseries hourly", testTimeseriesHourly},
		{"timeseries daily", testTimeseriesDaily},
		{"method distribution", testMethodDistribution},
		{"get and delete", testGetAndDelete},
		{"truncate", testTruncate},
		{"concurrent inserts", testConcurrentInserts},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// base is safely inside the default window and before its upper bound.
func base() time.Time {
	return time.Now().Add(-time.Minute)
}

func insert(t *testing.T, s domain.Store, name, method string, start time.Time, elapsed time.Duration) *measurement.Measurement {
	t.Helper()
	m := measurement.New(name, method, nil, nil, nil)
	m.StartAt(start)
	m.StopAt(start.Add(elapsed))
	require.NoError(t, s.Insert(context.Background(), m))
	require.NotEmpty(t, m.ID)
	return m
}

func listing(t *testing.T, raw map[string]string) query.Filter {
	t.Helper()
	f, err := query.Parse(raw, query.KindListing, time.Now())
	require.NoError(t, err)
	return f
}

func summary(t *testing.T, raw map[string]string) query.Filter {
	t.Helper()
	f, err := query.Parse(raw, query.KindSummary, time.Now())
	require.NoError(t, err)
	return f
}

func testRoundTrip(t *testing.T, s domain.Store) {
	ctx := context.Background()
	m := measurement.New("/users/<id>", "GET",
		[]any{1},
		map[string]any{"k": "v"},
		map[string]any{"tag": "x"})
	m.StartAt(base())
	m.StopAt(base().Add(1500 * time.Microsecond))
	require.NoError(t, s.Insert(ctx, m))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "/users/<id>", got.Name)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, []any{float64(1)}, got.Args)
	assert.Equal(t, map[string]any{"k": "v"}, got.Kwargs)
	assert.Equal(t, map[string]any{"tag": "x"}, got.Context)
	assert.InDelta(t, m.StartedAt, got.StartedAt, 1e-6)
	assert.InDelta(t, m.EndedAt, got.EndedAt, 1e-6)
	assert.InDelta(t, 0.0015, got.Elapsed, 1e-9)
}

func testInsertDerivesElapsed(t *testing.T, s domain.Store) {
	ctx := context.Background()
	m := measurement.New("/x", "GET", nil, nil, nil)
	m.StartAt(base())
	m.EndedAt = m.StartedAt + 0.25
	m.Elapsed = 99

	require.NoError(t, s.Insert(ctx, m))
	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.25, got.Elapsed, 1e-6)
	assert.Equal(t, []any{}, got.Args)
	assert.Equal(t, map[string]any{}, got.Kwargs)
}

func testPagination(t *testing.T, s domain.Store) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		insert(t, s, "/page", "GET", base().Add(time.Duration(i)*time.Second), time.Millisecond)
	}

	first, err := s.Filter(ctx, listing(t, map[string]string{"limit": "5"}))
	require.NoError(t, err)
	second, err := s.Filter(ctx, listing(t, map[string]string{"skip": "5", "limit": "5"}))
	require.NoError(t, err)

	assert.Len(t, first, 5)
	assert.Len(t, second, 2)

	huge, err := s.Filter(ctx, listing(t, map[string]string{"skip": "1", "limit": strconv.Itoa(math.MaxInt)}))
	require.NoError(t, err)
	assert.Len(t, huge, 6)

	seen := map[string]bool{}
	for _, m := range append(first, second...) {
		seen[m.ID] = true
	}
	assert.Len(t, seen, 7, "pages must not overlap")

	// endedAt DESC by default
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].EndedAt, first[i].EndedAt)
	}
}

func testDefaultWindow(t *testing.T, s domain.Store) {
	insert(t, s, "/old", "GET", time.Now().Add(-8*24*time.Hour), time.Millisecond)
	recent := insert(t, s, "/new", "GET", base(), time.Millisecond)

	got, err := s.Filter(context.Background(), query.Default(query.KindListing, time.Now()))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}

func testListingFilters(t *testing.T, s domain.Store) {
	ctx := context.Background()
	insert(t, s, "/a", "GET", base(), 10*time.Millisecond)
	insert(t, s, "/a", "POST", base(), 300*time.Millisecond)
	insert(t, s, "/b", "GET", base(), 500*time.Millisecond)

	testCases := []struct {
		name string
		raw  map[string]string
		want int
	}{
		{"no filter", nil, 3},
		{"method", map[string]string{"method": "GET"}, 2},
		{"name", map[string]string{"name": "/a"}, 2},
		{"method and name", map[string]string{"method": "GET", "name": "/a"}, 1},
		{"min elapsed", map[string]string{"elapsed": "0.2"}, 2},
		{"nothing", map[string]string{"name": "/missing"}, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Filter(ctx, listing(t, tc.raw))
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}
}

func testListingSort(t *testing.T, s domain.Store) {
	ctx := context.Background()
	insert(t, s, "/b", "GET", base(), 30*time.Millisecond)
	insert(t, s, "/a", "GET", base().Add(time.Second), 10*time.Millisecond)
	insert(t, s, "/c", "GET", base().Add(2*time.Second), 20*time.Millisecond)

	names := func(ms []measurement.Measurement) []string {
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Name)
		}
		return out
	}

	testCases := []struct {
		sort string
		want []string
	}{
		{"elapsed,asc", []string{"/a", "/c", "/b"}},
		{"elapsed,desc", []string{"/b", "/c", "/a"}},
		{"name,asc", []string{"/a", "/b", "/c"}},
		{"startedAt,asc", []string{"/b", "/a", "/c"}},
		{"ID,asc", []string{"/b", "/a", "/c"}},
		{"bogus,asc", []string{"/b", "/a", "/c"}},
		{"elapsed; DROP TABLE x", []string{"/c", "/a", "/b"}},
	}
	for _, tc := range testCases {
		t.Run(tc.sort, func(t *testing.T) {
			got, err := s.Filter(ctx, listing(t, map[string]string{"sort": tc.sort}))
			require.NoError(t, err)
			assert.Equal(t, tc.want, names(got))
		})
	}
}

func testSummary(t *testing.T, s domain.Store) {
	elapsedA := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 60 * time.Millisecond}
	for _, d := range elapsedA {
		insert(t, s, "/a", "GET", base(), d)
	}
	insert(t, s, "/b", "GET", base(), 5*time.Millisecond)
	insert(t, s, "/b", "GET", base(), 15*time.Millisecond)

	rows, err := s.Summary(context.Background(), summary(t, nil))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// count DESC by default
	assert.Equal(t, "/a", rows[0].Name)
	assert.Equal(t, "GET", rows[0].Method)
	assert.Equal(t, 3, rows[0].Count)
	assert.InDelta(t, 0.01, rows[0].MinElapsed, 1e-6)
	assert.InDelta(t, 0.06, rows[0].MaxElapsed, 1e-6)
	assert.InDelta(t, 0.03, rows[0].AvgElapsed, 1e-6)

	assert.Equal(t, "/b", rows[1].Name)
	assert.Equal(t, 2, rows[1].Count)
	assert.InDelta(t, 0.01, rows[1].AvgElapsed, 1e-6)

	asc, err := s.Summary(context.Background(), summary(t, map[string]string{"sort": "avgElapsed,asc"}))
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "/b", asc[0].Name)
}

func testSummaryFilters(t *testing.T, s domain.Store) {
	insert(t, s, "/a", "GET", base(), 10*time.Millisecond)
	insert(t, s, "/a", "GET", base(), 500*time.Millisecond)
	insert(t, s, "/a", "GET", time.Now().Add(-9*24*time.Hour), time.Second)
	insert(t, s, "/a", "POST", base(), 700*time.Millisecond)

	rows, err := s.Summary(context.Background(), summary(t, map[string]string{"elapsed": "0.1"}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 1, r.Count, "%s %s", r.Method, r.Name)
	}
}

func testTimeseriesHourly(t *testing.T, s domain.Store) {
	now := base()
	starts := []time.Time{now.Add(-3 * time.Hour), now.Add(-time.Hour), now, now}
	for _, st := range starts {
		insert(t, s, "/ts", "GET", st, time.Millisecond)
	}
	insert(t, s, "/ts", "GET", now.Add(-10*time.Hour), time.Millisecond)

	f := listing(t, map[string]string{
		"startedAt": strconv.FormatFloat(measurement.EpochSeconds(now.Add(-5*time.Hour)), 'f', -1, 64),
		"endedAt":   strconv.FormatFloat(measurement.EpochSeconds(now.Add(time.Minute)), 'f', -1, 64),
	})
	f.Location = time.UTC

	series, err := s.Timeseries(context.Background(), f)
	require.NoError(t, err)

	total := 0
	for _, n := range series {
		total += n
	}
	assert.Equal(t, len(starts), total)
	assert.GreaterOrEqual(t, len(series), 6, "empty hours must be present")
	assert.Equal(t, 2, series[now.UTC().Format("2006-01-02 15")])
	assert.Equal(t, 1, series[now.Add(-3*time.Hour).UTC().Format("2006-01-02 15")])
	assert.Contains(t, series, now.Add(-2*time.Hour).UTC().Format("2006-01-02 15"))
}

func testTimeseriesDaily(t *testing.T, s domain.Store) {
	now := base()
	insert(t, s, "/ts", "GET", now, time.Millisecond)
	insert(t, s, "/ts", "GET", now.Add(-48*time.Hour), time.Millisecond)

	f := listing(t, map[string]string{"interval": "daily"})
	f.Location = time.UTC

	series, err := s.Timeseries(context.Background(), f)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(series), 7)
	assert.Equal(t, 1, series[now.UTC().Format("2006-01-02")])
	assert.Equal(t, 1, series[now.Add(-48*time.Hour).UTC().Format("2006-01-02")])
	assert.Equal(t, 0, series[now.Add(-96*time.Hour).UTC().Format("2006-01-02")])
}

func testMethodDistribution(t *testing.T, s domain.Store) {
	insert(t, s, "/a", "GET", base(), time.Millisecond)
	insert(t, s, "/b", "GET", base(), time.Millisecond)
	insert(t, s, "/a", "POST", base(), time.Millisecond)
	insert(t, s, "/a", "DELETE", time.Now().Add(-30*24*time.Hour), time.Millisecond)

	dist, err := s.MethodDistribution(context.Background(), listing(t, map[string]string{"method": "POST"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"GET": 2, "POST": 1}, dist, "method filter does not apply to the distribution")
}

func testGetAndDelete(t *testing.T, s domain.Store) {
	ctx := context.Background()
	m := insert(t, s, "/a", "GET", base(), time.Millisecond)
	other := insert(t, s, "/b", "GET", base(), time.Millisecond)

	got, err := s.Get(ctx, "999999")
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err := s.Delete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err = s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err = s.Delete(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err = s.Get(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/b", got.Name)
}

func testTruncate(t *testing.T, s domain.Store) {
	ctx := context.Background()
	insert(t, s, "/a", "GET", base(), time.Millisecond)
	insert(t, s, "/b", "POST", base(), time.Millisecond)

	removed, err := s.Truncate(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := s.Filter(ctx, listing(t, nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	removed, err = s.Truncate(ctx)
	require.NoError(t, err)
	assert.False(t, removed, "second truncate has nothing to remove")

	insert(t, s, "/c", "GET", base(), time.Millisecond)
	got, err = s.Filter(ctx, listing(t, nil))
	require.NoError(t, err)
	assert.Len(t, got, 1, "store stays usable after truncate")
}

func testConcurrentInserts(t *testing.T, s domain.Store) {
	const n = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := measurement.New(fmt.Sprintf("/c/%d", i%5), "GET", []any{i}, nil, nil)
			m.StartAt(base())
			m.StopAt(base().Add(time.Millisecond))
			errs[i] = s.Insert(ctx, m)
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	unique := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		unique[ids[i]] = true
	}
	assert.Len(t, unique, n)

	got, err := s.Filter(ctx, listing(t, nil))
	require.NoError(t, err)
	assert.Len(t, got, n)

	rows, err := s.Summary(ctx, summary(t, nil))
	require.NoError(t, err)
	total := 0
	for _, r := range rows {
		total += r.Count
	}
	assert.Equal(t, n, total)
}
