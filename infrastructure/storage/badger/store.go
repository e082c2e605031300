// Package badger is the document-store measurement backend. Every measurement
// is one JSON document keyed by collection and a time-ordered UUID; queries
// scan the collection and aggregate in process.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/pkg/config"
)

var _ domain.Store = (*Store)(nil)

type Store struct {
	db     *badger.DB
	gc     *gcRunner
	prefix []byte
	log    *zap.Logger
}

// New opens the database described by cfg. On-disk databases get a value log
// GC runner when cfg.GCInterval is positive.
func New(cfg config.Badger, log *zap.Logger) (*Store, error) {
	if !config.ValidIdentifier(cfg.Collection) {
		return nil, fmt.Errorf("%w: invalid collection name %q", domain.ErrInvalidConfiguration, cfg.Collection)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: badger path is required for an on-disk database", domain.ErrInvalidConfiguration)
	}

	db, err := openDB(dbOptions{
		path:       cfg.Path,
		inMemory:   cfg.InMemory,
		syncWrites: cfg.SyncWrites,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
	}

	s := &Store{
		db:     db,
		prefix: []byte(cfg.Collection + "/"),
		log:    log,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, log)
	}
	return s, nil
}

func (s *Store) key(id string) []byte {
	return append(append([]byte(nil), s.prefix...), id...)
}

func (s *Store) Insert(ctx context.Context, m *measurement.Measurement) error {
	if err := ctx.Err(); err != nil {
		return failure("insert", err)
	}
	m.Finalize()
	m.Ensure()

	id, err := uuid.NewV7()
	if err != nil {
		return failure("generate id", err)
	}
	doc := *m
	doc.ID = id.String()

	value, err := json.Marshal(doc)
	if err != nil {
		return failure("encode document", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(doc.ID), value)
	}); err != nil {
		return failure("insert", err)
	}

	m.ID = doc.ID
	return nil
}

func (s *Store) Filter(ctx context.Context, f query.Filter) ([]measurement.Measurement, error) {
	matched, err := s.scan(ctx, f.MatchListing)
	if err != nil {
		return nil, err
	}
	query.SortMeasurements(matched, f.Sort)
	return query.Paginate(matched, f.Skip, f.Limit), nil
}

func (s *Store) Summary(ctx context.Context, f query.Filter) ([]measurement.Summary, error) {
	matched, err := s.scan(ctx, f.MatchSummary)
	if err != nil {
		return nil, err
	}
	rows := query.Summarize(matched)
	query.SortSummaries(rows, f.Sort)
	return rows, nil
}

func (s *Store) Timeseries(ctx context.Context, f query.Filter) (map[string]int, error) {
	series, err := query.NewSeries(f)
	if err != nil {
		return nil, err
	}
	matched, err := s.scan(ctx, f.InWindow)
	if err != nil {
		return nil, err
	}
	for _, m := range matched {
		series.Add(m.StartedAt)
	}
	return series.Counts(), nil
}

func (s *Store) MethodDistribution(ctx context.Context, f query.Filter) (map[string]int, error) {
	matched, err := s.scan(ctx, f.InWindow)
	if err != nil {
		return nil, err
	}
	return query.Distribution(matched), nil
}

func (s *Store) Get(ctx context.Context, id string) (*measurement.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure("get", err)
	}

	var m *measurement.Measurement
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m = &measurement.Measurement{}
			return json.Unmarshal(val, m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, failure("get", err)
	}
	m.Ensure()
	return m, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, failure("delete", err)
	}

	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(s.key(id))
	})
	if err != nil {
		return false, failure("delete", err)
	}
	return deleted, nil
}

func (s *Store) Truncate(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, failure("truncate", err)
	}

	n, err := s.count()
	if err != nil {
		return false, failure("truncate", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.db.DropPrefix(s.prefix); err != nil {
		return false, failure("truncate", err)
	}
	s.log.Info("badger collection truncated",
		zap.ByteString("collection", s.prefix[:len(s.prefix)-1]),
		zap.Int("documents", n))
	return true, nil
}

// Close stops the GC runner and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func (s *Store) scan(ctx context.Context, match func(*measurement.Measurement) bool) ([]measurement.Measurement, error) {
	var out []measurement.Measurement
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m measurement.Measurement
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if match(&m) {
				m.Ensure()
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, failure("scan", err)
	}
	return out, nil
}

func (s *Store) count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func failure(op string, err error) error {
	return fmt.Errorf("%w: badger %s: %w", domain.ErrStorageFailure, op, err)
}
