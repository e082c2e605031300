package apmsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/infrastructure/storage/inmemory"
	"github.com/fllarpy/request-profiler/internal/capture"
)

// setupTestDB opens an in-memory database through a measured driver that is
// registered under a name unique to the test.
func setupTestDB(t *testing.T, rec *capture.Recorder) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	realDriver := db.Driver()
	require.NoError(t, db.Close())

	driverName := "sqlite-measured-" + t.Name()
	require.NoError(t, Register(driverName, realDriver, rec))

	db, err = sql.Open(driverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id, name) VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Charlie')`)
	require.NoError(t, err)
	return db
}

func stored(t *testing.T, s *inmemory.Store) []measurement.Measurement {
	t.Helper()
	f := query.Default(query.KindListing, time.Now().Add(time.Second))
	f.Sort = query.Sort{Field: query.FieldID, Direction: query.Asc}
	ms, err := s.Filter(context.Background(), f)
	require.NoError(t, err)
	return ms
}

func TestDriver_MeasuresStatements(t *testing.T) {
	store := inmemory.NewStore(0)
	db := setupTestDB(t, capture.NewRecorder(store, nil))
	seeded := len(stored(t, store))

	for i := 1; i <= 3; i++ {
		var name string
		require.NoError(t, db.QueryRowContext(context.Background(),
			"SELECT name FROM users WHERE id = ?", i).Scan(&name))
	}
	_, err := db.ExecContext(context.Background(), "UPDATE users SET name = ? WHERE id = 2", "Robert")
	require.NoError(t, err)

	ms := stored(t, store)[seeded:]
	require.Len(t, ms, 4)
	for _, m := range ms[:3] {
		assert.Equal(t, "SELECT name FROM users WHERE id = ?", m.Name)
		assert.Equal(t, MethodQuery, m.Method)
	}
	assert.Equal(t, []any{float64(3)}, ms[2].Args)

	assert.Equal(t, "UPDATE users SET name = ? WHERE id = ?", ms[3].Name)
	assert.Equal(t, MethodExec, ms[3].Method)
	assert.Equal(t, []any{"Robert"}, ms[3].Args)
}

func TestDriver_PreparedStatements(t *testing.T) {
	store := inmemory.NewStore(0)
	db := setupTestDB(t, capture.NewRecorder(store, nil))
	seeded := len(stored(t, store))

	stmt, err := db.Prepare("SELECT count(*) FROM users WHERE id > ?")
	require.NoError(t, err)
	defer stmt.Close()

	var n int
	require.NoError(t, stmt.QueryRow(1).Scan(&n))
	assert.Equal(t, 2, n)

	ms := stored(t, store)[seeded:]
	require.Len(t, ms, 1)
	assert.Equal(t, "SELECT count(*) FROM users WHERE id > ?", ms[0].Name)
}

func TestDriver_FailedStatementIsRecorded(t *testing.T) {
	store := inmemory.NewStore(0)
	db := setupTestDB(t, capture.NewRecorder(store, nil))
	seeded := len(stored(t, store))

	_, err := db.Exec("INSERT INTO missing (x) VALUES (1)")
	require.Error(t, err)
	assert.GreaterOrEqual(t, len(stored(t, store))-seeded, 1)
}

// skipDriver answers every direct query with driver.ErrSkip, so database/sql
// falls back to a prepared statement.
type skipDriver struct{}

func (skipDriver) Open(string) (driver.Conn, error) { return skipConn{}, nil }

type skipConn struct{}

func (skipConn) Prepare(string) (driver.Stmt, error) { return skipStmt{}, nil }
func (skipConn) Close() error                        { return nil }
func (skipConn) Begin() (driver.Tx, error)           { return nil, errors.New("no transactions") }

func (skipConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	return nil, driver.ErrSkip
}

func (skipConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return nil, driver.ErrSkip
}

type skipStmt struct{}

func (skipStmt) Close() error                               { return nil }
func (skipStmt) NumInput() int                              { return -1 }
func (skipStmt) Exec([]driver.Value) (driver.Result, error) { return driver.RowsAffected(1), nil }
func (skipStmt) Query([]driver.Value) (driver.Rows, error)  { return emptyRows{}, nil }

type emptyRows struct{}

func (emptyRows) Columns() []string         { return []string{"n"} }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

func TestDriver_SkippedAttemptNotMeasured(t *testing.T) {
	store := inmemory.NewStore(0)
	name := "skip-" + t.Name()
	require.NoError(t, Register(name, skipDriver{}, capture.NewRecorder(store, nil)))

	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	testCases := []struct {
		name   string
		run    func() error
		method string
	}{
		{
			name: "query",
			run: func() error {
				rows, err := db.QueryContext(context.Background(), "SELECT n FROM t WHERE id = ?", 7)
				if err != nil {
					return err
				}
				return rows.Close()
			},
			method: MethodQuery,
		},
		{
			name: "exec",
			run: func() error {
				_, err := db.ExecContext(context.Background(), "DELETE FROM t WHERE id = ?", 7)
				return err
			},
			method: MethodExec,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(stored(t, store))
			require.NoError(t, tc.run())

			ms := stored(t, store)[before:]
			require.Len(t, ms, 1)
			assert.Equal(t, tc.method, ms[0].Method)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	name := "sqlite-dup-" + t.Name()
	require.NoError(t, Register(name, db.Driver(), nil))
	err = Register(name, db.Driver(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))

	assert.Error(t, Register("sqlite-nil", nil, nil))
}

func TestNormalizeQuery(t *testing.T) {
	testCases := []struct{ in, want string }{
		{"SELECT * FROM t WHERE id = 10", "SELECT * FROM t WHERE id = ?"},
		{"SELECT * FROM t2 WHERE a IN (1, 22)", "SELECT * FROM t2 WHERE a IN (?, ?)"},
		{"SELECT 1", "SELECT ?"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeQuery(tc.in))
		})
	}
}
