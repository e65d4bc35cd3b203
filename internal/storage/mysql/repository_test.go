package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

func newTestRepository(db *sql.DB) *Repository {
	return &Repository{db: db, logger: logger.Named("storage.mysql")}
}

func sampleAgent(id, owner string, created time.Time) agent.Agent {
	return agent.Agent{
		ID:               id,
		Name:             "Nova",
		Description:      "market watcher",
		Bio:              []string{"market watcher"},
		WalletPublicKey:  "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		WalletPrivateKey: "secret",
		Owner:            owner,
		Active:           true,
		CreatedAt:        created,
	}
}

func agentRow(t *testing.T, a agent.Agent) []driver.Value {
	t.Helper()
	profile, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	return []driver.Value{profile, a.CreatedAt}
}

func TestRepositorySaveAgent(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertAgentSQL, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := newTestRepository(db)
	saved, err := repo.Save(context.Background(), sampleAgent("a-1", "W1", time.Now()))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.WalletPrivateKey != "" {
		t.Fatalf("private key must not be persisted")
	}
	if saved.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", saved.CreatedAt.Location())
	}
}

func TestRepositorySaveDuplicateAgent(t *testing.T) {
	t.Parallel()

	op := execOp(insertAgentSQL, mockResult{})
	op.err = &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db, drv := newMockDB(t, []mockOperation{op})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestRepository(db).Save(context.Background(), sampleAgent("a-1", "W1", time.Now()))
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRepositorySaveAgentFailure(t *testing.T) {
	t.Parallel()

	op := execOp(insertAgentSQL, mockResult{})
	op.err = fmt.Errorf("connection reset")
	db, drv := newMockDB(t, []mockOperation{op})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestRepository(db).Save(context.Background(), sampleAgent("a-1", "W1", time.Now()))
	if xerrors.CodeOf(err) != xerrors.CodePersistence {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestRepositoryFindByOwner(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := sampleAgent("a-1", "W1", base)
	second := sampleAgent("a-2", "W1", base.Add(time.Minute))
	first.WalletPrivateKey, second.WalletPrivateKey = "", ""

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAgentsByOwnerSQL, mockRowsData{
			columns: []string{"profile", "created_at"},
			values:  [][]driver.Value{agentRow(t, first), agentRow(t, second)},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	list, err := newTestRepository(db).FindByOwner(context.Background(), "W1")
	if err != nil {
		t.Fatalf("find by owner failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a-1" || list[1].ID != "a-2" {
		t.Fatalf("unexpected agents: %+v", list)
	}
	if !list[1].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected created_at: %v", list[1].CreatedAt)
	}
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAgentByIDSQL, mockRowsData{columns: []string{"profile", "created_at"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestRepository(db).FindByID(context.Background(), "missing")
	if !xerrors.Is(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRepositorySaveTokenRecord(t *testing.T) {
	t.Parallel()

	duplicate := execOp(insertTokenSQL, mockResult{})
	duplicate.err = &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	failing := execOp(insertTokenSQL, mockResult{})
	failing.err = fmt.Errorf("disk full")

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertTokenSQL, mockResult{rowsAffected: 1}),
		duplicate,
		failing,
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := newTestRepository(db)
	rec := token.Record{
		ID:           token.NewRecordID(time.Now()),
		AgentID:      "a-1",
		TokenAddress: "Mint111",
		Status:       token.StatusConfirmed,
		CreatedAt:    time.Now(),
	}
	if err := repo.SaveTokenRecord(context.Background(), rec); err != nil {
		t.Fatalf("save token failed: %v", err)
	}
	if err := repo.SaveTokenRecord(context.Background(), rec); err != nil {
		t.Fatalf("duplicate token address should be accepted, got %v", err)
	}
	if err := repo.SaveTokenRecord(context.Background(), rec); xerrors.CodeOf(err) != xerrors.CodePersistence {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestRepositoryRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migration files: %+v", files)
	}

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(readMigrationStatement("0002_create_tokens.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newTestRepository(db).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func readMigrationStatement(name string) string {
	content, err := fs.ReadFile(embeddedMigrations, name)
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
