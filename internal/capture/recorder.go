package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/internal/observability"
	"github.com/fllarpy/request-profiler/internal/policy"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// Observer is notified of every measurement that was stored.
type Observer interface {
	Observe(m measurement.Measurement)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(m measurement.Measurement)

func (f ObserverFunc) Observe(m measurement.Measurement) { f(m) }

// Option configures a Recorder.
type Option func(*Recorder)

func WithLogger(log *zap.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithVerbose logs every stored measurement.
func WithVerbose(v bool) Option {
	return func(r *Recorder) { r.verbose = v }
}

// WithStrictPersistence makes storage failures visible to callers whose call
// itself succeeded.
func WithStrictPersistence(v bool) Option {
	return func(r *Recorder) { r.strict = v }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithObservers(obs ...Observer) Option {
	return func(r *Recorder) { r.observers = append(r.observers, obs...) }
}

// Recorder applies the policy to a call, times it and persists the result.
type Recorder struct {
	store     domain.StoreWriter
	policy    *policy.Policy
	log       *zap.Logger
	verbose   bool
	strict    bool
	metrics   *observability.Metrics
	observers []Observer
}

// NewRecorder creates a recorder writing to store. A nil policy records every
// call.
func NewRecorder(store domain.StoreWriter, pol *policy.Policy, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		policy: pol,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether calls are recorded at all.
func (r *Recorder) Enabled() bool {
	return r != nil && r.store != nil
}

// Record runs invoke and stores a measurement for it unless the policy rejects
// the call. The measurement is persisted whether invoke returns, fails or
// panics; a panic is re-raised after persistence.
func (r *Recorder) Record(
	ctx context.Context,
	target Target,
	args []any,
	kwargs map[string]any,
	invoke func(ctx context.Context) (any, error),
) (result any, err error) {
	if !r.Enabled() {
		return invoke(ctx)
	}

	ok, err := r.admit(target.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return invoke(ctx)
	}

	m := measurement.New(target.Name, target.Method, args, kwargs, target.context())
	m.Start()
	defer func() {
		m.Stop()
		recovered := recover()
		if recovered == nil && target.Discard != nil && target.Discard(err) {
			return
		}
		storeErr := r.persist(ctx, m)
		if recovered != nil {
			panic(recovered)
		}
		if storeErr != nil && err == nil && r.strict {
			err = storeErr
		}
	}()

	return invoke(ctx)
}

// Submit stores a measurement timed elsewhere, subject to the same policy.
// Storage errors are returned regardless of strictness.
func (r *Recorder) Submit(ctx context.Context, m *measurement.Measurement) error {
	if !r.Enabled() {
		return nil
	}
	ok, err := r.admit(m.Name)
	if err != nil || !ok {
		return err
	}
	return r.persist(ctx, m)
}

func (r *Recorder) admit(name string) (bool, error) {
	if r.policy == nil {
		return true, nil
	}
	if r.policy.Ignored(name) {
		r.metrics.Skipped(observability.ReasonIgnored)
		return false, nil
	}
	ok, err := r.policy.Sampled()
	if err != nil {
		return false, err
	}
	if !ok {
		r.metrics.Skipped(observability.ReasonSampled)
	}
	return ok, nil
}

func (r *Recorder) persist(ctx context.Context, m *measurement.Measurement) error {
	log := logger.FromContext(ctx, r.log)
	start := time.Now()

	// The request context is usually done by the time the handler returns.
	if err := r.store.Insert(context.WithoutCancel(ctx), m); err != nil {
		r.metrics.StorageFailure(observability.OpInsert)
		log.Error("failed to store measurement",
			zap.String("name", m.Name),
			zap.String("method", m.Method),
			zap.Error(err))
		return fmt.Errorf("%w: insert measurement: %v", domain.ErrStorageFailure, err)
	}
	r.metrics.ObservePersist(time.Since(start).Seconds())
	r.metrics.Recorded(m.Method)

	if r.verbose {
		log.Info("measurement", zap.Any("measurement", m))
	}
	for _, obs := range r.observers {
		obs.Observe(*m)
	}
	return nil
}
