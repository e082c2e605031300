package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/infrastructure/storage/inmemory"
	"github.com/fllarpy/request-profiler/internal/observability"
	"github.com/fllarpy/request-profiler/internal/policy"
)

// failingStore rejects every insert.
type failingStore struct {
	domain.StoreWriter
	calls atomic.Int32
}

func (s *failingStore) Insert(context.Context, *measurement.Measurement) error {
	s.calls.Add(1)
	return errors.New("disk full")
}

func all(t *testing.T, s *inmemory.Store) []measurement.Measurement {
	t.Helper()
	ms, err := s.Filter(context.Background(), query.Default(query.KindListing, time.Now().Add(time.Second)))
	require.NoError(t, err)
	return ms
}

func TestRecorder_Record(t *testing.T) {
	store := inmemory.NewStore(0)
	rec := NewRecorder(store, nil)

	res, err := rec.Record(context.Background(),
		Target{Name: "/users", Method: "GET", Context: map[string]any{"ip": "127.0.0.1"}},
		[]any{1}, map[string]any{"id": "7"},
		func(context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	ms := all(t, store)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, "/users", m.Name)
	assert.Equal(t, "GET", m.Method)
	assert.Equal(t, []any{float64(1)}, m.Args)
	assert.Equal(t, map[string]any{"id": "7"}, m.Kwargs)
	assert.Equal(t, "127.0.0.1", m.Context["ip"])
	assert.GreaterOrEqual(t, m.Elapsed, 0.005)
	assert.GreaterOrEqual(t, m.EndedAt, m.StartedAt)
}

func TestRecorder_PersistsOnError(t *testing.T) {
	store := inmemory.NewStore(0)
	rec := NewRecorder(store, nil)
	boom := errors.New("boom")

	_, err := rec.Record(context.Background(), Target{Name: "f"}, nil, nil,
		func(context.Context) (any, error) { return nil, boom })

	assert.ErrorIs(t, err, boom)
	assert.Len(t, all(t, store), 1)
}

func TestRecorder_PersistsOnPanic(t *testing.T) {
	store := inmemory.NewStore(0)
	rec := NewRecorder(store, nil)

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = rec.Record(context.Background(), Target{Name: "f"}, nil, nil,
			func(context.Context) (any, error) { panic("kaboom") })
	})
	assert.Len(t, all(t, store), 1)
}

func TestRecorder_StorageFailure(t *testing.T) {
	t.Run("swallowed by default", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		store := &failingStore{}
		reg := prometheus.NewRegistry()
		metrics := observability.NewMetrics(reg)
		rec := NewRecorder(store, nil, WithLogger(zap.New(core)), WithMetrics(metrics))

		res, err := rec.Record(context.Background(), Target{Name: "f", Method: "CALL"}, nil, nil,
			func(context.Context) (any, error) { return 42, nil })
		require.NoError(t, err)
		assert.Equal(t, 42, res)
		assert.Equal(t, int32(1), store.calls.Load())
		assert.Equal(t, 1, logs.FilterMessage("failed to store measurement").Len())

		count, err := testutil.GatherAndCount(reg, "request_profiler_capture_storage_failures_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("strict surfaces the storage error", func(t *testing.T) {
		rec := NewRecorder(&failingStore{}, nil, WithStrictPersistence(true))

		res, err := rec.Record(context.Background(), Target{Name: "f"}, nil, nil,
			func(context.Context) (any, error) { return 42, nil })
		assert.Equal(t, 42, res)
		assert.ErrorIs(t, err, domain.ErrStorageFailure)
	})

	t.Run("callable error wins", func(t *testing.T) {
		rec := NewRecorder(&failingStore{}, nil, WithStrictPersistence(true))
		boom := errors.New("boom")

		_, err := rec.Record(context.Background(), Target{Name: "f"}, nil, nil,
			func(context.Context) (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, domain.ErrStorageFailure)
	})
}

func TestRecorder_Policy(t *testing.T) {
	store := inmemory.NewStore(0)
	pol, err := policy.New([]string{"^/static"}, func() bool { return true })
	require.NoError(t, err)
	rec := NewRecorder(store, pol)

	called := 0
	invoke := func(context.Context) (any, error) { called++; return nil, nil }

	_, err = rec.Record(context.Background(), Target{Name: "/static/app.css"}, nil, nil, invoke)
	require.NoError(t, err)
	_, err = rec.Record(context.Background(), Target{Name: "/api"}, nil, nil, invoke)
	require.NoError(t, err)

	assert.Equal(t, 2, called, "ignored calls still run")
	ms := all(t, store)
	require.Len(t, ms, 1)
	assert.Equal(t, "/api", ms[0].Name)
}

func TestRecorder_ContextFunc(t *testing.T) {
	store := inmemory.NewStore(0)
	pol, err := policy.New([]string{"^/static"}, nil)
	require.NoError(t, err)
	rec := NewRecorder(store, pol)

	built := 0
	target := func(name string) Target {
		return Target{
			Name:    name,
			Context: map[string]any{"tag": "static", "ip": "10.0.0.1"},
			ContextFunc: func() map[string]any {
				built++
				return map[string]any{"ip": "127.0.0.1"}
			},
		}
	}
	noop := func(context.Context) (any, error) { return nil, nil }

	_, err = rec.Record(context.Background(), target("/static/app.css"), nil, nil, noop)
	require.NoError(t, err)
	assert.Zero(t, built, "context is not built for ignored calls")

	_, err = rec.Record(context.Background(), target("/api"), nil, nil, noop)
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	ms := all(t, store)
	require.Len(t, ms, 1)
	assert.Equal(t, map[string]any{"tag": "static", "ip": "127.0.0.1"}, ms[0].Context)
}

func TestRecorder_Discard(t *testing.T) {
	errRetry := errors.New("retry elsewhere")
	target := Target{Name: "/jobs", Discard: func(err error) bool { return errors.Is(err, errRetry) }}

	testCases := []struct {
		name   string
		err    error
		stored int
	}{
		{name: "discarded error", err: errRetry, stored: 0},
		{name: "other error", err: errors.New("boom"), stored: 1},
		{name: "success", stored: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := inmemory.NewStore(0)
			_, err := NewRecorder(store, nil).Record(context.Background(), target, nil, nil,
				func(context.Context) (any, error) { return nil, tc.err })
			assert.Equal(t, tc.err, err)
			assert.Len(t, all(t, store), tc.stored)
		})
	}
}

func TestRecorder_SamplerNotCallable(t *testing.T) {
	pol, err := policy.New(nil, 3)
	require.NoError(t, err)
	rec := NewRecorder(inmemory.NewStore(0), pol)

	called := false
	_, err = rec.Record(context.Background(), Target{Name: "f"}, nil, nil,
		func(context.Context) (any, error) { called = true; return nil, nil })
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	assert.False(t, called)
}

func TestRecorder_VerboseAndObservers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var seen []measurement.Measurement
	rec := NewRecorder(inmemory.NewStore(0), nil,
		WithLogger(zap.New(core)),
		WithVerbose(true),
		WithObservers(ObserverFunc(func(m measurement.Measurement) { seen = append(seen, m) })))

	_, err := rec.Record(context.Background(), Target{Name: "f", Method: "CALL"}, nil, nil,
		func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("measurement").Len())
	require.Len(t, seen, 1)
	assert.NotEmpty(t, seen[0].ID)
}

func TestRecorder_Submit(t *testing.T) {
	store := inmemory.NewStore(0)
	pol, err := policy.New([]string{"health"}, nil)
	require.NoError(t, err)
	rec := NewRecorder(store, pol)

	start := time.Now().Add(-time.Second)
	m := measurement.New("/orders", "POST", nil, nil, nil)
	m.StartAt(start)
	m.StopAt(start.Add(120 * time.Millisecond))
	require.NoError(t, rec.Submit(context.Background(), m))

	ignored := measurement.New("/healthz", "GET", nil, nil, nil)
	require.NoError(t, rec.Submit(context.Background(), ignored))

	ms := all(t, store)
	require.Len(t, ms, 1)
	assert.InDelta(t, 0.12, ms[0].Elapsed, 1e-6)

	assert.ErrorIs(t, NewRecorder(&failingStore{}, nil).Submit(context.Background(), m), domain.ErrStorageFailure)
}

func TestRecorder_CancelledContextStillPersists(t *testing.T) {
	store := inmemory.NewStore(0)
	rec := NewRecorder(store, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := rec.Record(ctx, Target{Name: "f"}, nil, nil, func(context.Context) (any, error) {
		cancel()
		return nil, nil
	})
	require.NoError(t, err)
	assert.Len(t, all(t, store), 1)
}

func TestRecorder_Disabled(t *testing.T) {
	var rec *Recorder
	assert.False(t, rec.Enabled())
	res, err := rec.Record(context.Background(), Target{}, nil, nil,
		func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.NoError(t, rec.Submit(context.Background(), &measurement.Measurement{}))
}
