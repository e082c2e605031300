// Package exporter turns OpenTelemetry spans into measurements, so services
// already instrumented with otelhttp or otelsql are profiled without wrapping
// their handlers a second time.
package exporter

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// Submitter stores an externally timed measurement. capture.Recorder
// implements it.
type Submitter interface {
	Submit(ctx context.Context, m *measurement.Measurement) error
}

// Attribute keys of older semantic convention versions, still emitted by many
// instrumentations.
const (
	legacyHTTPMethod     attribute.Key = "http.method"
	legacyHTTPStatusCode attribute.Key = "http.status_code"
	legacyHTTPURL        attribute.Key = "http.url"
)

// MethodClient tags client spans that carry no request method.
const MethodClient = "CLIENT"

var _ sdktrace.SpanExporter = (*MeasurementExporter)(nil)

type MeasurementExporter struct {
	submitter Submitter
	log       *zap.Logger
}

func NewMeasurementExporter(submitter Submitter, log *zap.Logger) (*MeasurementExporter, error) {
	if submitter == nil {
		return nil, errors.New("exporter: submitter must not be nil")
	}
	if log == nil {
		log = logger.Nop()
	}
	log.Debug("span to measurement exporter initialized")
	return &MeasurementExporter{submitter: submitter, log: log}, nil
}

// ExportSpans submits one measurement per server or client span. Internal,
// producer and consumer spans are skipped.
func (e *MeasurementExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var errs []error
	for _, span := range spans {
		var m *measurement.Measurement
		switch span.SpanKind() {
		case trace.SpanKindServer:
			m = serverMeasurement(span)
		case trace.SpanKindClient:
			m = clientMeasurement(span)
		default:
			continue
		}

		if err := e.submitter.Submit(ctx, m); err != nil {
			e.log.Warn("failed to export span", zap.String("span", span.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *MeasurementExporter) Shutdown(ctx context.Context) error {
	e.log.Debug("span to measurement exporter shut down")
	return nil
}

func serverMeasurement(span sdktrace.ReadOnlySpan) *measurement.Measurement {
	attrs := attributes(span)

	name := attrs[semconv.HTTPRouteKey].AsString()
	if name == "" {
		name = span.Name()
	}
	method := first(attrs, semconv.HTTPRequestMethodKey, legacyHTTPMethod)

	meta := spanContext(span, attrs)
	if url := first(attrs, semconv.URLFullKey, legacyHTTPURL); url != "" {
		meta["url"] = url
	} else if path := attrs[semconv.URLPathKey].AsString(); path != "" {
		meta["url"] = path
	}

	return timed(span, name, method, meta)
}

func clientMeasurement(span sdktrace.ReadOnlySpan) *measurement.Measurement {
	attrs := attributes(span)

	method := first(attrs, semconv.HTTPRequestMethodKey, legacyHTTPMethod)
	if db := attrs[semconv.DBSystemKey].AsString(); db != "" {
		method = db
	}
	if method == "" {
		method = MethodClient
	}

	meta := spanContext(span, attrs)
	if url := first(attrs, semconv.URLFullKey, legacyHTTPURL); url != "" {
		meta["url"] = url
	}
	return timed(span, span.Name(), method, meta)
}

func timed(span sdktrace.ReadOnlySpan, name, method string, meta map[string]any) *measurement.Measurement {
	m := measurement.New(name, method, nil, nil, meta)
	m.StartAt(span.StartTime())
	m.StopAt(span.EndTime())
	return m
}

func spanContext(span sdktrace.ReadOnlySpan, attrs map[attribute.Key]attribute.Value) map[string]any {
	meta := map[string]any{
		"trace_id": span.SpanContext().TraceID().String(),
		"span_id":  span.SpanContext().SpanID().String(),
	}

	status := attrs[semconv.HTTPResponseStatusCodeKey]
	if status.Type() == attribute.INVALID {
		status = attrs[legacyHTTPStatusCode]
	}
	if status.Type() == attribute.INT64 {
		meta["status"] = status.AsInt64()
	}

	if span.Status().Code == codes.Error {
		meta["error"] = span.Status().Description
		for _, ev := range span.Events() {
			for _, a := range ev.Attributes {
				if a.Key == semconv.ExceptionMessageKey {
					meta["error"] = a.Value.AsString()
				}
			}
		}
	}
	return meta
}

func attributes(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func first(attrs map[attribute.Key]attribute.Value, keys ...attribute.Key) string {
	for _, k := range keys {
		if v := attrs[k].AsString(); v != "" {
			return v
		}
	}
	return ""
}
