package badger

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// gcDiscardRatio is the minimum share of garbage in a value log file before it
// is rewritten.
const gcDiscardRatio = 0.5

// zapLogger adapts zap to badger's Logger interface.
type zapLogger struct {
	log *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l *zapLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l *zapLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

type dbOptions struct {
	path       string
	inMemory   bool
	syncWrites bool
}

func openDB(o dbOptions, log *zap.Logger) (*badger.DB, error) {
	var opts badger.Options
	if o.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(o.path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", o.path, err)
		}
		opts = badger.DefaultOptions(o.path)
	}

	opts = opts.
		WithSyncWrites(o.syncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapLogger{log: log.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcRunner periodically rewrites value log files of an on-disk database.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func startGC(db *badger.DB, interval time.Duration, log *zap.Logger) *gcRunner {
	r := &gcRunner{
		db:       db,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *gcRunner) collect() {
	err := r.db.RunValueLogGC(gcDiscardRatio)
	switch {
	case err == nil:
		r.log.Debug("badger value log GC completed")
	case errors.Is(err, badger.ErrNoRewrite):
		// nothing to reclaim
	default:
		r.log.Warn("badger value log GC failed", zap.Error(err))
	}
}
