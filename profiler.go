// Package profiler records the timing of handler calls and serves the
// recorded measurements through a small JSON query API.
//
// A Profiler is created once per application and owns its storage backend:
//
//	p, err := profiler.New(cfg)
//	mux.Handle("GET /users/{id}", p.WrapHandler(usersHandler))
//	p.Mount(mux)
//	defer p.Close()
package profiler

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/exporter"
	"github.com/fllarpy/request-profiler/infrastructure/storage"
	"github.com/fllarpy/request-profiler/internal/adapters/apmgin"
	"github.com/fllarpy/request-profiler/internal/adapters/apmhttp"
	"github.com/fllarpy/request-profiler/internal/adapters/apmsql"
	"github.com/fllarpy/request-profiler/internal/capture"
	"github.com/fllarpy/request-profiler/internal/observability"
	"github.com/fllarpy/request-profiler/internal/policy"
	"github.com/fllarpy/request-profiler/internal/ports/http_gate"
	"github.com/fllarpy/request-profiler/internal/ports/http_reporter"
	"github.com/fllarpy/request-profiler/pkg/config"
	"github.com/fllarpy/request-profiler/pkg/logger"
	"github.com/fllarpy/request-profiler/profiling"
)

// Profiler is the state of one profiled application: its configuration, its
// storage backend and the recorder every wrapper writes through. It is
// immutable after New except for the backend's own state.
type Profiler struct {
	cfg config.Config
	log *zap.Logger

	store     domain.Store
	ownsStore bool
	rec       *capture.Recorder
	slow      *profiling.Profiler
	handler   http.Handler

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	log        *zap.Logger
	store      domain.Store
	validator  http_gate.SessionValidator
	observers  []Observer
	registerer prometheus.Registerer
}

type Option func(*options)

// WithLogger sets the logger. By default one is built from cfg.LogLevel.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStore uses store instead of opening the configured backend. The caller
// keeps ownership: Close does not close it.
func WithStore(store domain.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSessionValidator supplies the check used by the session auth strategy.
func WithSessionValidator(v http_gate.SessionValidator) Option {
	return func(o *options) { o.validator = v }
}

// WithObserver is notified of every stored measurement.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithRegisterer registers the capture metrics on reg instead of a registry
// private to the profiler. The private registry also carries the Go runtime
// and process collectors. GET /metrics is served only when reg is also a
// prometheus.Gatherer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New validates cfg and builds a profiler. A disabled configuration yields a
// profiler whose wrappers are pass-throughs and whose Handler answers 404.
func New(cfg config.Config, opts ...Option) (*Profiler, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := o.log
	if log == nil {
		var err error
		if log, err = logger.New(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("%w: log_level: %v", domain.ErrInvalidConfiguration, err)
		}
	}

	p := &Profiler{cfg: cfg, log: log}
	if !cfg.Enabled {
		log.Info("request profiler disabled")
		p.rec = capture.NewRecorder(nil, nil)
		p.handler = http.NotFoundHandler()
		return p, nil
	}

	pol, err := policy.New(cfg.Ignore, sampler(cfg))
	if err != nil {
		return nil, err
	}

	p.store = o.store
	if p.store == nil {
		if p.store, err = storage.Open(cfg.Storage, log); err != nil {
			return nil, err
		}
		p.ownsStore = true
	}

	reg := o.registerer
	var gatherer prometheus.Gatherer
	if reg == nil {
		own := prometheus.NewRegistry()
		own.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg, gatherer = own, own
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	metrics := observability.NewMetrics(reg)
	observers := o.observers
	p.slow = profiling.NewProfiler(cfg.SlowCallProfiling, "", log)
	if p.slow != nil {
		observers = append(observers, p.slow)
	}

	p.rec = capture.NewRecorder(p.store, pol,
		capture.WithLogger(log),
		capture.WithVerbose(cfg.Verbose),
		capture.WithStrictPersistence(cfg.StrictPersistence),
		capture.WithMetrics(metrics),
		capture.WithObservers(observers...),
	)

	gate, err := http_gate.New(cfg.Auth, o.validator, log)
	if err != nil {
		return nil, errors.Join(err, p.Close())
	}
	if cfg.Auth.Strategy == config.AuthNone {
		log.Warn("query API is served without authentication", zap.String("endpoint_root", cfg.EndpointRoot))
	}

	p.handler = http_reporter.NewRouter(p.store, http_reporter.Options{
		Root:     cfg.EndpointRoot,
		Gate:     gate,
		Gatherer: gatherer,
		Metrics:  metrics,
		Logger:   log,
	})

	log.Info("request profiler initialized",
		zap.String("engine", string(cfg.Storage.Engine)),
		zap.String("endpoint_root", cfg.EndpointRoot),
		zap.Strings("ignore", cfg.Ignore),
	)
	return p, nil
}

func sampler(cfg config.Config) any {
	if cfg.SamplingFunction != nil {
		return cfg.SamplingFunction
	}
	var samplers []policy.Sampler
	if cfg.Sampling.Probability > 0 {
		samplers = append(samplers, policy.Probability(cfg.Sampling.Probability))
	}
	if cfg.Sampling.PerSecond > 0 {
		samplers = append(samplers, policy.RateLimited(cfg.Sampling.PerSecond, cfg.Sampling.Burst))
	}
	if len(samplers) == 0 {
		return nil
	}
	return policy.All(samplers...)
}

// Enabled reports whether calls are being recorded.
func (p *Profiler) Enabled() bool {
	return p != nil && p.rec.Enabled()
}

func (p *Profiler) Config() config.Config { return p.cfg }

// Store is the backend, nil when disabled.
func (p *Profiler) Store() domain.Store { return p.store }

func (p *Profiler) recorder() *capture.Recorder {
	if p == nil {
		return nil
	}
	return p.rec
}

// Capture types host code wraps, names and observes calls with.
type (
	Callable     = capture.Callable
	Func         = capture.Func
	Target       = capture.Target
	Observer     = capture.Observer
	ObserverFunc = capture.ObserverFunc
)

// Measure wraps c so that every call is recorded under target. An empty
// target.Name records under the identity of c.
func (p *Profiler) Measure(c Callable, target Target) Callable {
	return capture.Wrap(p.recorder(), c, target)
}

// MeasureFunc runs fn once and records it under target.
func (p *Profiler) MeasureFunc(ctx context.Context, target Target, fn func(context.Context) error) error {
	if target.Name == "" {
		target.Name = capture.Identity(fn)
	}
	_, err := p.recorder().Record(ctx, target, nil, nil, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// WrapHandler records every request served by h.
func (p *Profiler) WrapHandler(h http.Handler) http.Handler {
	return apmhttp.Wrap(p.recorder(), h, p.logger())
}

func (p *Profiler) Middleware() func(http.Handler) http.Handler {
	return apmhttp.Middleware(p.recorder(), p.logger())
}

func (p *Profiler) GinMiddleware() gin.HandlerFunc {
	return apmgin.Middleware(p.recorder(), p.logger())
}

// Transport records outgoing requests made through base.
func (p *Profiler) Transport(base http.RoundTripper) http.RoundTripper {
	return apmhttp.NewTransport(base, p.recorder())
}

// RegisterSQLDriver registers d under name with every statement recorded.
func (p *Profiler) RegisterSQLDriver(name string, d driver.Driver) error {
	return apmsql.Register(name, d, p.recorder())
}

// SpanExporter returns an OpenTelemetry exporter that records server and
// client spans as measurements.
func (p *Profiler) SpanExporter() (sdktrace.SpanExporter, error) {
	if p == nil {
		return nil, domain.ErrNotInitialized
	}
	return exporter.NewMeasurementExporter(p.rec, p.log)
}

// Handler serves the query API under /<endpoint_root>.
func (p *Profiler) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return p.handler
}

// Mount registers Handler on mux under /<endpoint_root>/.
func (p *Profiler) Mount(mux *http.ServeMux) {
	if p == nil {
		return
	}
	prefix := strings.TrimSuffix(http_reporter.Prefix(p.cfg.EndpointRoot), "/") + "/"
	mux.Handle(prefix, p.Handler())
}

// Close waits for running slow call profiles and closes the backend when the
// profiler opened it.
func (p *Profiler) Close() error {
	if p == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.slow.Wait()
		defer logger.Flush(p.log)

		if p.store != nil && p.ownsStore {
			if err := p.store.Close(); err != nil {
				p.closeErr = fmt.Errorf("%w: close: %v", domain.ErrStorageFailure, err)
			}
		}
	})
	return p.closeErr
}

func (p *Profiler) logger() *zap.Logger {
	if p == nil {
		return logger.Nop()
	}
	return p.log
}
