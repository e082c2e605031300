package profiler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/infrastructure/storage/inmemory"
	"github.com/fllarpy/request-profiler/pkg/config"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func enabled() config.Config {
	return config.Config{Enabled: true, LogLevel: "error"}
}

func newProfiler(t *testing.T, cfg config.Config, opts ...Option) *Profiler {
	t.Helper()
	p, err := New(cfg, append([]Option{WithLogger(logger.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func recorded(t *testing.T, p *Profiler) []measurement.Measurement {
	t.Helper()
	ms, err := p.Store().Filter(context.Background(), query.Default(query.KindListing, time.Now()))
	require.NoError(t, err)
	return ms
}

type plainHandler struct{ calls int }

func (h *plainHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.calls++
	w.WriteHeader(http.StatusNoContent)
}

func TestNew_Disabled(t *testing.T) {
	p := newProfiler(t, config.Config{})

	assert.False(t, p.Enabled())
	assert.Nil(t, p.Store())

	h := &plainHandler{}
	assert.Same(t, h, p.WrapHandler(h))

	c := Func(func(context.Context, []any, map[string]any) (any, error) { return "ok", nil })
	out, err := p.Measure(c, Target{Name: "job"}).Call(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	ran := false
	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "inline"}, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiler/api/measurements/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(c *config.Config)
		opts []Option
	}{
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "mongo" }, nil},
		{"bad sqlite table", func(c *config.Config) {
			c.Storage.Engine = config.EngineSQLite
			c.Storage.SQLite = config.SQLite{File: ":memory:", Table: "drop table;"}
		}, nil},
		{"bad ignore pattern", func(c *config.Config) { c.Ignore = []string{"("} }, nil},
		{"basic auth without username", func(c *config.Config) { c.Auth.Strategy = config.AuthBasic }, nil},
		{"session auth without validator", func(c *config.Config) { c.Auth.Strategy = config.AuthSession }, nil},
		{"sampling probability out of range", func(c *config.Config) { c.Sampling.Probability = 2 }, nil},
		{"unknown log level", func(c *config.Config) { c.LogLevel = "loud" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabled()
			tt.cfg(&cfg)
			_, err := New(cfg, append([]Option{WithLogger(logger.Nop())}, tt.opts...)...)
			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		})
	}
}

func TestNew_NonCallableSamplerFailsOnFirstUse(t *testing.T) {
	cfg := enabled()
	cfg.SamplingFunction = "always"
	p := newProfiler(t, cfg)

	err := p.MeasureFunc(context.Background(), Target{Name: "job"}, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestProfiler_WrapHandlerAndQuery(t *testing.T) {
	p := newProfiler(t, enabled())
	require.True(t, p.Enabled())

	mux := http.NewServeMux()
	mux.Handle("GET /users/{id}", p.WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("user " + r.PathValue("id")))
	})))
	p.Mount(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/7?verbose=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user 7", w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiler/api/measurements/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "noindex, nofollow", w.Header().Get("X-Robots-Tag"))

	var body struct {
		Measurements []measurement.Measurement `json:"measurements"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Measurements, 1, "query API calls are not recorded")

	m := body.Measurements[0]
	assert.Equal(t, "GET /users/{id}", m.Name)
	assert.Equal(t, http.MethodGet, m.Method)
	assert.Equal(t, map[string]any{"id": "7"}, m.Kwargs)
	assert.Equal(t, map[string]any{"verbose": "1"}, m.Context["args"])
	assert.GreaterOrEqual(t, m.Elapsed, 0.0)
}

func TestProfiler_Measure(t *testing.T) {
	p := newProfiler(t, enabled())

	boom := errors.New("boom")
	c := p.Measure(Func(func(context.Context, []any, map[string]any) (any, error) {
		return nil, boom
	}), Target{Name: "jobs.send", Method: "TASK", Context: map[string]any{"queue": "mail"}})
	assert.Same(t, c, p.Measure(c, Target{Name: "again"}))

	_, err := c.Call(context.Background(), []any{1}, map[string]any{"k": "v"})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "inline", Method: "CRON"}, func(context.Context) error { return nil }))

	ms := recorded(t, p)
	require.Len(t, ms, 2)
	byName := map[string]measurement.Measurement{}
	for _, m := range ms {
		byName[m.Name] = m
	}

	send := byName["jobs.send"]
	assert.Equal(t, "TASK", send.Method)
	assert.Equal(t, map[string]any{"queue": "mail"}, send.Context)
	assert.Equal(t, []any{float64(1)}, send.Args)
	assert.Equal(t, map[string]any{"k": "v"}, send.Kwargs)

	assert.Equal(t, "CRON", byName["inline"].Method)

	dist, err := p.Store().MethodDistribution(context.Background(), query.Default(query.KindListing, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"TASK": 1, "CRON": 1}, dist)
}

func TestProfiler_MeasureFuncDefaultName(t *testing.T) {
	p := newProfiler(t, enabled())
	require.NoError(t, p.MeasureFunc(context.Background(), Target{}, func(context.Context) error { return nil }))

	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.NotEmpty(t, ms[0].Name)
}

func TestProfiler_IgnoreBeatsSampler(t *testing.T) {
	cfg := enabled()
	cfg.Ignore = []string{"/health$"}
	cfg.SamplingFunction = func() bool { return true }
	p := newProfiler(t, cfg)

	mux := http.NewServeMux()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /health", p.WrapHandler(ok))
	mux.Handle("GET /work", p.WrapHandler(ok))

	for _, path := range []string{"/health", "/work", "/health"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.Equal(t, "GET /work", ms[0].Name)
}

func TestProfiler_Isolation(t *testing.T) {
	a := newProfiler(t, enabled())
	b := newProfiler(t, enabled())

	require.NoError(t, a.MeasureFunc(context.Background(), Target{Name: "a"}, func(context.Context) error { return nil }))
	require.NoError(t, a.MeasureFunc(context.Background(), Target{Name: "a"}, func(context.Context) error { return nil }))
	require.NoError(t, b.MeasureFunc(context.Background(), Target{Name: "b"}, func(context.Context) error { return nil }))

	assert.Len(t, recorded(t, a), 2)
	require.Len(t, recorded(t, b), 1)
	assert.Equal(t, "b", recorded(t, b)[0].Name)
}

func TestProfiler_WithStore(t *testing.T) {
	store := inmemory.NewStore(0)
	p, err := New(enabled(), WithLogger(logger.Nop()), WithStore(store))
	require.NoError(t, err)

	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "job"}, func(context.Context) error { return nil }))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.Equal(t, 1, store.Len(), "an injected store stays open after Close")
}

func TestProfiler_SQLiteBackend(t *testing.T) {
	cfg := enabled()
	cfg.Storage.Engine = config.EngineSQLite
	cfg.Storage.SQLite = config.SQLite{File: ":memory:", Table: "profiled"}
	p := newProfiler(t, cfg)

	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "job"}, func(context.Context) error { return nil }))
	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.Equal(t, "job", ms[0].Name)
}

func TestProfiler_GinMiddleware(t *testing.T) {
	p := newProfiler(t, enabled())

	r := gin.New()
	r.Use(p.GinMiddleware())
	r.GET("/items/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/3", nil))
	require.Equal(t, http.StatusOK, w.Code)

	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.Equal(t, "/items/:id", ms[0].Name)
	assert.Equal(t, map[string]any{"id": "3"}, ms[0].Kwargs)
}

func TestProfiler_Transport(t *testing.T) {
	p := newProfiler(t, enabled())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := &http.Client{Transport: p.Transport(nil)}
	resp, err := client.Post(srv.URL+"/hooks", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.Equal(t, http.MethodPost, ms[0].Method)
	assert.True(t, strings.HasSuffix(ms[0].Name, "/hooks"))
}

func TestProfiler_RegisterSQLDriver(t *testing.T) {
	p := newProfiler(t, enabled())

	name := "sqlite-profiler-test"
	require.NoError(t, p.RegisterSQLDriver(name, &sqlite.Driver{}))
	assert.ErrorIs(t, p.RegisterSQLDriver(name, &sqlite.Driver{}), domain.ErrInvalidConfiguration)
}

func TestProfiler_SpanExporter(t *testing.T) {
	p := newProfiler(t, enabled())

	exp, err := p.SpanExporter()
	require.NoError(t, err)

	start := time.Now().Add(-time.Second)
	span := tracetest.SpanStub{
		SpanKind:  oteltrace.SpanKindServer,
		Name:      "/checkout",
		StartTime: start,
		EndTime:   start.Add(120 * time.Millisecond),
	}.Snapshot()
	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{span}))

	ms := recorded(t, p)
	require.Len(t, ms, 1)
	assert.Equal(t, "/checkout", ms[0].Name)
	assert.InDelta(t, 0.12, ms[0].Elapsed, 1e-6)
}

func TestProfiler_Observers(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	obs := ObserverFunc(func(m measurement.Measurement) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, m.Name)
	})
	p := newProfiler(t, enabled(), WithObserver(obs))

	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "observed"}, func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"observed"}, names)
}

func TestProfiler_BasicAuth(t *testing.T) {
	cfg := enabled()
	cfg.EndpointRoot = "stats"
	cfg.Auth = config.Auth{Strategy: config.AuthBasic, Basic: config.Basic{Username: "admin", Password: "secret"}}
	p := newProfiler(t, cfg)

	mux := http.NewServeMux()
	p.Mount(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats/api/measurements/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/stats/api/measurements/", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProfiler_SessionAuth(t *testing.T) {
	p := newProfiler(t, config.Config{
		Enabled: true,
		Auth:    config.Auth{Strategy: config.AuthSession},
	}, WithSessionValidator(func(r *http.Request) bool {
		return r.Header.Get("X-Session") == "valid"
	}))

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiler/api/measurements/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/profiler/api/measurements/", nil)
	req.Header.Set("X-Session", "valid")
	w = httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProfiler_Metrics(t *testing.T) {
	p := newProfiler(t, enabled())
	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "job"}, func(context.Context) error { return nil }))

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiler/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "request_profiler_capture_recorded_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProfiler_WithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newProfiler(t, enabled(), WithRegisterer(reg))
	require.NoError(t, p.MeasureFunc(context.Background(), Target{Name: "job"}, func(context.Context) error { return nil }))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "request_profiler_capture_recorded_total")
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler

	assert.False(t, p.Enabled())
	assert.NoError(t, p.Close())
	_, err := p.SpanExporter()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	h := &plainHandler{}
	p.WrapHandler(h).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1, h.calls)
}
