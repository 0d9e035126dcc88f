package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

func sampleSnapshot() workflow.Snapshot {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return workflow.Snapshot{
		ID:        "wf-1",
		SessionID: "sess-1",
		Tenant:    "acme",
		Status:    workflow.StatusCompleted,
		Variables: map[string]any{"balance": "42"},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Second),
	}
}

func TestWorkflowStoreSave(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertWorkflowSQL, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, NewWorkflowStore(db).Save(context.Background(), sampleSnapshot()))
}

func TestWorkflowStoreLoad(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(sampleSnapshot())
	require.NoError(t, err)

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectWorkflowSQL, mockRowsData{columns: []string{"snapshot"}, values: [][]driver.Value{{string(payload)}}}),
		queryOp(selectWorkflowSQL, mockRowsData{columns: []string{"snapshot"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewWorkflowStore(db)
	snap, err := store.Load(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, workflow.StatusCompleted, snap.Status)
	assert.Equal(t, "42", snap.Variables["balance"])

	_, err = store.Load(context.Background(), "missing")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestWorkflowStoreListFilters(t *testing.T) {
	t.Parallel()

	query, args := buildWorkflowListQuery(workflow.ListOptions{Status: workflow.StatusFailed, SessionID: "s", Tenant: "acme", Limit: 5})
	assert.Equal(t, "SELECT snapshot FROM workflow_runs WHERE status = ? AND session_id = ? AND tenant = ? ORDER BY created_at DESC, id DESC LIMIT ?", query)
	assert.Equal(t, []any{"failed", "s", "acme", 5}, args)

	query, args = buildWorkflowListQuery(workflow.ListOptions{})
	assert.Equal(t, "SELECT snapshot FROM workflow_runs ORDER BY created_at DESC, id DESC LIMIT ?", query)
	assert.Equal(t, []any{50}, args)

	payload, err := json.Marshal(sampleSnapshot())
	require.NoError(t, err)
	db, drv := newMockDB(t, []mockOperation{
		queryOp(query, mockRowsData{columns: []string{"snapshot"}, values: [][]driver.Value{{string(payload)}, {"not json"}}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	list, err := NewWorkflowStore(db).List(context.Background(), workflow.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-1", list[0].ID)
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(readMigrationStatement("0002_create_workflow_runs.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, Migrate(context.Background(), db))
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement("0002_create_workflow_runs.sql"), mockResult{})
	failing.err = fmt.Errorf("disk full")
	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	stmts := splitSQLStatements("-- header\nCREATE TABLE a (id INT);\n\n-- second\nCREATE TABLE b (id INT);\n")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, stmts)
	assert.Equal(t, "0003", parseMigrationVersion("0003_add_index.sql"))
	assert.Equal(t, "0004", parseMigrationVersion("0004.sql"))
}

func TestOpenDatabaseAppliesPoolDefaults(t *testing.T) {
	t.Parallel()

	_, err := openDatabase(context.Background(), "mysql", Config{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, &queueDriver{})
	db, err := openDatabase(context.Background(), name, Config{DSN: "mock", MaxOpenConns: 3})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 3, db.Stats().MaxOpenConnections)
}

func readMigrationStatement(name string) string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
