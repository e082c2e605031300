// Package sqlite is the relational measurement backend. Each store owns one
// table holding one row per measurement, with args, kwargs and context kept as
// JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/pkg/config"
)

var _ domain.Store = (*Store)(nil)

const columns = `ID, startedAt, endedAt, elapsed, args, kwargs, method, context, name`

// sortColumns maps whitelisted sort fields to SQL expressions. Nothing else
// ever reaches an ORDER BY clause.
var sortColumns = map[string]string{
	query.FieldID:         "ID",
	query.FieldStartedAt:  "startedAt",
	query.FieldEndedAt:    "endedAt",
	query.FieldElapsed:    "elapsed",
	query.FieldMethod:     "method",
	query.FieldName:       "name",
	query.FieldCount:      `"count"`,
	query.FieldMinElapsed: "minElapsed",
	query.FieldMaxElapsed: "maxElapsed",
	query.FieldAvgElapsed: "avgElapsed",
}

type Store struct {
	db    *sql.DB
	table string
	log   *zap.Logger
	// writes are serialized; sqlite allows a single writer anyway
	mu sync.Mutex
}

// New opens (or creates) the database file of cfg and makes sure the table and
// its index exist. The caller must Close the store.
func New(cfg config.SQLite, log *zap.Logger) (*Store, error) {
	if !config.ValidIdentifier(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", domain.ErrInvalidConfiguration, cfg.Table)
	}
	if cfg.File == "" {
		return nil, fmt.Errorf("%w: sqlite file is required", domain.ErrInvalidConfiguration)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", cfg.File)
	db, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, failure("open database", err)
	}
	if cfg.File == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, failure("ping database", err)
	}

	s := &Store{db: db, table: cfg.Table, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    ID        INTEGER PRIMARY KEY AUTOINCREMENT,
    startedAt REAL,
    endedAt   REAL,
    elapsed   REAL,
    args      TEXT,
    kwargs    TEXT,
    method    TEXT,
    context   TEXT,
    name      TEXT
);
CREATE INDEX IF NOT EXISTS measurement_index_%[1]s ON %[1]s (startedAt, endedAt, elapsed, name, method);
`, s.table)
	if _, err := s.db.Exec(stmt); err != nil {
		return failure("create table "+s.table, err)
	}
	s.log.Debug("sqlite table ready", zap.String("table", s.table))
	return nil
}

func (s *Store) Insert(ctx context.Context, m *measurement.Measurement) error {
	m.Finalize()
	m.Ensure()

	args, err := json.Marshal(m.Args)
	if err != nil {
		return failure("encode args", err)
	}
	kwargs, err := json.Marshal(m.Kwargs)
	if err != nil {
		return failure("encode kwargs", err)
	}
	mctx, err := json.Marshal(m.Context)
	if err != nil {
		return failure("encode context", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure("begin tx", err)
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (startedAt, endedAt, elapsed, args, kwargs, method, context, name)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
		m.StartedAt, m.EndedAt, m.Elapsed, string(args), string(kwargs), m.Method, string(mctx), m.Name)
	if err != nil {
		_ = tx.Rollback()
		return failure("insert measurement", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return failure("read inserted id", err)
	}
	if err := tx.Commit(); err != nil {
		return failure("commit tx", err)
	}

	m.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *Store) Filter(ctx context.Context, f query.Filter) ([]measurement.Measurement, error) {
	where, params := listingWhere(f)
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?`,
		columns, s.table, where, orderBy(f.Sort, "ID"))
	params = append(params, max(f.Limit, 0), max(f.Skip, 0))

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, failure("query measurements", err)
	}
	defer rows.Close()

	out := make([]measurement.Measurement, 0)
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("iterate measurements", err)
	}
	return out, nil
}

func (s *Store) Summary(ctx context.Context, f query.Filter) ([]measurement.Summary, error) {
	where, params := windowWhere(f)
	if f.MinElapsed != nil {
		where += " AND elapsed >= ?"
		params = append(params, *f.MinElapsed)
	}
	stmt := fmt.Sprintf(`SELECT method, name,
    count(ID) AS "count",
    min(elapsed) AS minElapsed,
    max(elapsed) AS maxElapsed,
    avg(elapsed) AS avgElapsed
FROM %s WHERE %s
GROUP BY method, name
ORDER BY %s`, s.table, where, orderBy(f.Sort, "min(ID)"))

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, failure("query summary", err)
	}
	defer rows.Close()

	out := make([]measurement.Summary, 0)
	for rows.Next() {
		var (
			r            measurement.Summary
			method, name sql.NullString
		)
		if err := rows.Scan(&method, &name, &r.Count, &r.MinElapsed, &r.MaxElapsed, &r.AvgElapsed); err != nil {
			return nil, failure("scan summary", err)
		}
		r.Method, r.Name = method.String, name.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("iterate summary", err)
	}
	return out, nil
}

// Timeseries counts per minute in SQL and folds the minutes into the dense
// hourly or daily buckets of the filter's location.
func (s *Store) Timeseries(ctx context.Context, f query.Filter) (map[string]int, error) {
	series, err := query.NewSeries(f)
	if err != nil {
		return nil, err
	}

	where, params := windowWhere(f)
	stmt := fmt.Sprintf(`SELECT CAST(startedAt / 60 AS INTEGER) * 60 AS minute, count(ID)
FROM %s WHERE %s GROUP BY minute`, s.table, where)

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, failure("query timeseries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var minute int64
		var n int
		if err := rows.Scan(&minute, &n); err != nil {
			return nil, failure("scan timeseries", err)
		}
		series.AddN(float64(minute), n)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("iterate timeseries", err)
	}
	return series.Counts(), nil
}

func (s *Store) MethodDistribution(ctx context.Context, f query.Filter) (map[string]int, error) {
	where, params := windowWhere(f)
	stmt := fmt.Sprintf(`SELECT method, count(ID) FROM %s WHERE %s GROUP BY method`, s.table, where)

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, failure("query method distribution", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var method sql.NullString
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return nil, failure("scan method distribution", err)
		}
		out[method.String] = n
	}
	if err := rows.Err(); err != nil {
		return nil, failure("iterate method distribution", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*measurement.Measurement, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE ID = ?`, columns, s.table), id)
	m, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ID = ?`, s.table), id)
	if err != nil {
		return false, failure("delete measurement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure("delete measurement", err)
	}
	return n > 0, nil
}

func (s *Store) Truncate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return false, failure("truncate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure("truncate", err)
	}
	s.log.Info("sqlite table truncated", zap.String("table", s.table), zap.Int64("rows", n))
	return n > 0, nil
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func windowWhere(f query.Filter) (string, []any) {
	return "endedAt <= ? AND startedAt >= ?", []any{f.EndedAt, f.StartedAt}
}

func listingWhere(f query.Filter) (string, []any) {
	where, params := windowWhere(f)
	var b strings.Builder
	b.WriteString(where)
	if f.MinElapsed != nil {
		b.WriteString(" AND elapsed >= ?")
		params = append(params, *f.MinElapsed)
	}
	if f.Method != "" {
		b.WriteString(" AND method = ?")
		params = append(params, f.Method)
	}
	if f.Name != "" {
		b.WriteString(" AND name = ?")
		params = append(params, f.Name)
	}
	return b.String(), params
}

// orderBy renders the whitelisted sort followed by tiebreak, which keeps
// equal rows in insertion order.
func orderBy(s query.Sort, tiebreak string) string {
	col, ok := sortColumns[s.Field]
	if !ok {
		col = "endedAt"
	}
	dir := "DESC"
	if s.Direction == query.Asc {
		dir = "ASC"
	}
	return col + " " + dir + ", " + tiebreak + " ASC"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row scanner) (*measurement.Measurement, error) {
	var (
		id                       int64
		args, kwargs, mctx       sql.NullString
		method, name             sql.NullString
		startedAt, endedAt, elap float64
	)
	if err := row.Scan(&id, &startedAt, &endedAt, &elap, &args, &kwargs, &method, &mctx, &name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, failure("scan measurement", err)
	}

	m := &measurement.Measurement{
		ID:        strconv.FormatInt(id, 10),
		Name:      name.String,
		Method:    method.String,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Elapsed:   elap,
	}
	if err := decode(args, &m.Args); err != nil {
		return nil, err
	}
	if err := decode(kwargs, &m.Kwargs); err != nil {
		return nil, err
	}
	if err := decode(mctx, &m.Context); err != nil {
		return nil, err
	}
	m.Ensure()
	return m, nil
}

func decode(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return failure("decode json column", err)
	}
	return nil
}

func failure(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", domain.ErrStorageFailure, op, err)
}
