package domain

import (
	"context"
	"io"

	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
)

// StoreWriter defines the write side of a measurement store. Implementations
// must be safe for concurrent use.
type StoreWriter interface {
	// Insert finalizes m, persists it and assigns m.ID.
	Insert(ctx context.Context, m *measurement.Measurement) error
	// Delete removes one measurement and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Truncate removes every measurement and reports whether anything was removed.
	Truncate(ctx context.Context) (bool, error)
}

// StoreReader defines the query side of a measurement store.
type StoreReader interface {
	Filter(ctx context.Context, f query.Filter) ([]measurement.Measurement, error)
	Summary(ctx context.Context, f query.Filter) ([]measurement.Summary, error)
	Timeseries(ctx context.Context, f query.Filter) (map[string]int, error)
	MethodDistribution(ctx context.Context, f query.Filter) (map[string]int, error)
	// Get returns nil without an error when no measurement has id.
	Get(ctx context.Context, id string) (*measurement.Measurement, error)
}

// Store is the combined interface every storage backend implements.
type Store interface {
	StoreReader
	StoreWriter
	io.Closer
}
