package profiler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/pkg/config"
)

// Registry holds the profilers of several applications keyed by an explicit
// application id. There is no implicit "current" profiler: every lookup names
// the application it wants.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*Profiler
}

func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*Profiler)}
}

// Init creates the profiler of appID. Initializing an id twice replaces and
// closes the previous profiler.
func (r *Registry) Init(appID string, cfg config.Config, opts ...Option) (*Profiler, error) {
	if appID == "" {
		return nil, fmt.Errorf("%w: empty application id", domain.ErrInvalidConfiguration)
	}
	p, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev := r.apps[appID]
	r.apps[appID] = p
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			p.log.Warn("failed to close replaced profiler", zap.String("app", appID), zap.Error(err))
		}
	}
	return p, nil
}

// Lookup returns the profiler of appID or ErrNotInitialized.
func (r *Registry) Lookup(appID string) (*Profiler, error) {
	if p := r.LookupSilent(appID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: application %q", domain.ErrNotInitialized, appID)
}

// LookupSilent returns the profiler of appID, or nil.
func (r *Registry) LookupSilent(appID string) *Profiler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apps[appID]
}

// Handler measures h with the profiler of appID, resolved on every request.
// Requests are passed through untouched while appID has no profiler, so
// routes may be registered before Init.
func (r *Registry) Handler(appID string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p := r.LookupSilent(appID)
		if !p.Enabled() {
			h.ServeHTTP(w, req)
			return
		}
		p.WrapHandler(h).ServeHTTP(w, req)
	})
}

// Close closes and forgets every profiler.
func (r *Registry) Close() error {
	r.mu.Lock()
	apps := r.apps
	r.apps = make(map[string]*Profiler)
	r.mu.Unlock()

	var errs []error
	for _, p := range apps {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying p.
func WithContext(ctx context.Context, p *Profiler) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the profiler carried by ctx or ErrNotInitialized.
func FromContext(ctx context.Context) (*Profiler, error) {
	if p, ok := ctx.Value(contextKey{}).(*Profiler); ok && p != nil {
		return p, nil
	}
	return nil, domain.ErrNotInitialized
}
