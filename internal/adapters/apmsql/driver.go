// Package apmsql wraps a database/sql driver so that every statement becomes
// a measurement named after its normalized SQL text.
package apmsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/internal/capture"
)

// Statement kinds used as measurement method.
const (
	MethodQuery = "QUERY"
	MethodExec  = "EXEC"
)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]driver.Driver)
)

// Register wraps d and registers it in database/sql under name. Typical usage:
//
//	db, _ := sql.Open("sqlite", ":memory:")
//	apmsql.Register("sqlite-profiled", db.Driver(), rec)
//	profiled, _ := sql.Open("sqlite-profiled", dsn)
func Register(name string, d driver.Driver, rec *capture.Recorder) error {
	if d == nil {
		return fmt.Errorf("%w: sql driver %q is nil", domain.ErrInvalidConfiguration, name)
	}

	driversMu.Lock()
	defer driversMu.Unlock()

	if _, dup := drivers[name]; dup {
		return fmt.Errorf("%w: sql driver %q already registered", domain.ErrInvalidConfiguration, name)
	}
	drivers[name] = d
	sql.Register(name, &measuredDriver{real: d, rec: rec})
	return nil
}

var sqlNumberRegex = regexp.MustCompile(`\b\d+\b`)

// normalizeQuery replaces numeric literals with a placeholder, so statements
// that differ only by ids share one name.
func normalizeQuery(query string) string {
	return sqlNumberRegex.ReplaceAllString(query, "?")
}

type measuredDriver struct {
	real driver.Driver
	rec  *capture.Recorder
}

func (d *measuredDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.real.Open(name)
	if err != nil {
		return nil, err
	}
	return &measuredConn{real: conn, rec: d.rec}, nil
}

func record[T any](ctx context.Context, rec *capture.Recorder, method, query string, args []driver.NamedValue, run func() (T, error)) (T, error) {
	var out T
	target := capture.Target{Name: normalizeQuery(query), Method: method, Discard: skipped}
	_, err := rec.Record(ctx, target, values(args), nil,
		func(context.Context) (any, error) {
			var err error
			out, err = run()
			return nil, err
		})
	return out, err
}

// skipped reports a call database/sql retries through a prepared statement,
// which is measured on its own.
func skipped(err error) bool {
	return errors.Is(err, driver.ErrSkip)
}

func values(named []driver.NamedValue) []any {
	out := make([]any, len(named))
	for i, nv := range named {
		if b, ok := nv.Value.([]byte); ok {
			out[i] = string(b)
			continue
		}
		out[i] = nv.Value
	}
	return out
}

type measuredConn struct {
	real driver.Conn
	rec  *capture.Recorder
}

func (c *measuredConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.real.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &measuredStmt{real: stmt, query: query, rec: c.rec}, nil
}

func (c *measuredConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if p, ok := c.real.(driver.ConnPrepareContext); ok {
		stmt, err := p.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &measuredStmt{real: stmt, query: query, rec: c.rec}, nil
	}
	return c.Prepare(query)
}

func (c *measuredConn) Close() error { return c.real.Close() }

func (c *measuredConn) Begin() (driver.Tx, error) { return c.real.Begin() }

func (c *measuredConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.real.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.real.Begin()
}

func (c *measuredConn) QueryContext(ctx context.Context, q string, args []driver.NamedValue) (driver.Rows, error) {
	qx, ok := c.real.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return record(ctx, c.rec, MethodQuery, q, args, func() (driver.Rows, error) {
		return qx.QueryContext(ctx, q, args)
	})
}

func (c *measuredConn) ExecContext(ctx context.Context, q string, args []driver.NamedValue) (driver.Result, error) {
	ex, ok := c.real.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return record(ctx, c.rec, MethodExec, q, args, func() (driver.Result, error) {
		return ex.ExecContext(ctx, q, args)
	})
}

func (c *measuredConn) Ping(ctx context.Context) error {
	if p, ok := c.real.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *measuredConn) ResetSession(ctx context.Context) error {
	if r, ok := c.real.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *measuredConn) CheckNamedValue(nv *driver.NamedValue) error {
	if ch, ok := c.real.(driver.NamedValueChecker); ok {
		return ch.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

type measuredStmt struct {
	real  driver.Stmt
	query string
	rec   *capture.Recorder
}

func (s *measuredStmt) Close() error  { return s.real.Close() }
func (s *measuredStmt) NumInput() int { return s.real.NumInput() }

func (s *measuredStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

func (s *measuredStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

func (s *measuredStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return record(ctx, s.rec, MethodExec, s.query, args, func() (driver.Result, error) {
		if ex, ok := s.real.(driver.StmtExecContext); ok {
			return ex.ExecContext(ctx, args)
		}
		return s.real.Exec(plain(args))
	})
}

func (s *measuredStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return record(ctx, s.rec, MethodQuery, s.query, args, func() (driver.Rows, error) {
		if qx, ok := s.real.(driver.StmtQueryContext); ok {
			return qx.QueryContext(ctx, args)
		}
		return s.real.Query(plain(args))
	})
}

func (s *measuredStmt) CheckNamedValue(nv *driver.NamedValue) error {
	if ch, ok := s.real.(driver.NamedValueChecker); ok {
		return ch.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

func plain(named []driver.NamedValue) []driver.Value {
	vs := make([]driver.Value, len(named))
	for i, nv := range named {
		vs[i] = nv.Value
	}
	return vs
}

func named(vs []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(vs))
	for i, v := range vs {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}
