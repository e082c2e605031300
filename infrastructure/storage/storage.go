// Package storage resolves a storage configuration to a backend.
package storage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/infrastructure/storage/badger"
	"github.com/fllarpy/request-profiler/infrastructure/storage/inmemory"
	"github.com/fllarpy/request-profiler/infrastructure/storage/sqlite"
	"github.com/fllarpy/request-profiler/pkg/config"
)

// Open creates the backend selected by cfg.Engine. The caller owns the
// returned store and must Close it.
func Open(cfg config.Storage, log *zap.Logger) (domain.Store, error) {
	log = log.With(zap.String("engine", string(cfg.Engine)))

	switch cfg.Engine {
	case config.EngineMemory, "":
		log.Info("using in-memory storage", zap.Int("capacity", cfg.Memory.Capacity))
		return inmemory.NewStore(cfg.Memory.Capacity), nil
	case config.EngineSQLite:
		log.Info("opening sqlite storage",
			zap.String("file", cfg.SQLite.File),
			zap.String("table", cfg.SQLite.Table))
		s, err := sqlite.New(cfg.SQLite, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.EngineBadger:
		log.Info("opening badger storage",
			zap.String("path", cfg.Badger.Path),
			zap.String("collection", cfg.Badger.Collection),
			zap.Bool("in_memory", cfg.Badger.InMemory))
		s, err := badger.New(cfg.Badger, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage engine %q", domain.ErrInvalidConfiguration, cfg.Engine)
	}
}
