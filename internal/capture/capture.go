// Package capture times wrapped calls and hands the resulting measurements to
// a store.
package capture

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
)

// Callable is anything the profiler can wrap.
type Callable interface {
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Func adapts an ordinary function to Callable.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

func (f Func) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Target names one invocation. An empty Name is replaced by the identity of
// the wrapped value.
type Target struct {
	Name    string
	Method  string
	Context map[string]any
	// ContextFunc, when set, is called only for calls that are recorded. Its
	// keys are merged over Context.
	ContextFunc func() map[string]any
	// Discard, when set, drops the measurement of a call whose error it
	// accepts. Used for attempts the caller retries on another path.
	Discard func(err error) bool
}

// context resolves the metadata stored with a recorded call.
func (t Target) context() map[string]any {
	if t.ContextFunc == nil {
		return t.Context
	}
	lazy := t.ContextFunc()
	if len(t.Context) == 0 {
		return lazy
	}
	out := make(map[string]any, len(t.Context)+len(lazy))
	for k, v := range t.Context {
		out[k] = v
	}
	for k, v := range lazy {
		out[k] = v
	}
	return out
}

// Measured is a Callable whose every call is recorded. Wrap never wraps a
// *Measured twice.
type Measured struct {
	rec    *Recorder
	inner  Callable
	target Target
}

// Wrap returns c instrumented by rec. When rec is nil or disabled, or when c
// is already instrumented, c is returned unchanged.
func Wrap(rec *Recorder, c Callable, target Target) Callable {
	if !rec.Enabled() {
		return c
	}
	if _, ok := c.(*Measured); ok {
		return c
	}
	if target.Name == "" {
		target.Name = Identity(c)
	}
	return &Measured{rec: rec, inner: c, target: target}
}

func (m *Measured) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return m.rec.Record(ctx, m.target, args, kwargs, func(ctx context.Context) (any, error) {
		return m.inner.Call(ctx, args, kwargs)
	})
}

// Unwrap returns the original callable.
func (m *Measured) Unwrap() Callable { return m.inner }

// Target returns the identity recorded for calls.
func (m *Measured) Target() Target { return m.target }

// Identity names v after its function symbol, or its type for anything that
// is not a function.
func Identity(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func && !rv.IsNil() {
		if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", v)
}
