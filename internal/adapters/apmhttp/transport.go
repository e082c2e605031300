package apmhttp

import (
	"context"
	"net/http"

	"github.com/fllarpy/request-profiler/internal/capture"
)

// Transport is an http.RoundTripper that measures outgoing requests. Each
// request is recorded under host+path with the request verb as method.
type Transport struct {
	// Base is the underlying RoundTripper to execute the request.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	rec *capture.Recorder
}

// NewTransport wraps base. A disabled recorder returns base itself and an
// already measuring transport is returned unchanged.
func NewTransport(base http.RoundTripper, rec *capture.Recorder) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !rec.Enabled() {
		return base
	}
	if t, ok := base.(*Transport); ok {
		return t
	}
	return &Transport{Base: base, rec: rec}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the request `req`.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	target := capture.Target{
		Name:    req.URL.Host + req.URL.Path,
		Method:  req.Method,
		Context: map[string]any{"url": req.URL.String()},
	}

	var resp *http.Response
	_, err := t.rec.Record(req.Context(), target, nil, nil, func(context.Context) (any, error) {
		var err error
		resp, err = base.RoundTrip(req)
		return resp, err
	})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}
