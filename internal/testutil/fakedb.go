package testutil

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBCall records one statement issued against FakeDB.
type DBCall struct {
	SQL  string
	Args []any
}

// FakeDB is an in-memory stand-in for the pgx Exec/Query/QueryRow surface.
// Behavior is driven by the optional *Func hooks; every call is recorded
// so tests can assert on issued SQL and arguments without a database.
type FakeDB struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	BeginFunc    func(ctx context.Context) (pgx.Tx, error)

	ExecCalls     []DBCall
	QueryCalls    []DBCall
	QueryRowCalls []DBCall
	Txs           []*FakeTx
}

func (f *FakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.ExecCalls = append(f.ExecCalls, DBCall{SQL: sql, Args: args})
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *FakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.QueryCalls = append(f.QueryCalls, DBCall{SQL: sql, Args: args})
	if f.QueryFunc != nil {
		return f.QueryFunc(ctx, sql, args...)
	}
	return NewFakeRows(nil), nil
}

func (f *FakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.QueryRowCalls = append(f.QueryRowCalls, DBCall{SQL: sql, Args: args})
	if f.QueryRowFunc != nil {
		return f.QueryRowFunc(ctx, sql, args...)
	}
	return FakeRow{Err: pgx.ErrNoRows}
}

// Begin returns a FakeTx sharing this FakeDB's hooks and call records, so
// statements inside a transaction are scripted the same way.
func (f *FakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.BeginFunc != nil {
		return f.BeginFunc(ctx)
	}
	tx := &FakeTx{FakeDB: f}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

// FakeTx is a pgx.Tx over a FakeDB. Only the statement surface and
// commit/rollback tracking are functional.
type FakeTx struct {
	*FakeDB
	Committed  bool
	RolledBack bool
}

func (t *FakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }

func (t *FakeTx) Commit(_ context.Context) error {
	if t.Committed || t.RolledBack {
		return pgx.ErrTxClosed
	}
	t.Committed = true
	return nil
}

func (t *FakeTx) Rollback(_ context.Context) error {
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

func (t *FakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *FakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *FakeTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *FakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *FakeTx) Conn() *pgx.Conn { return nil }

// FakeRow yields one row of column values, or an error, on Scan.
type FakeRow struct {
	Columns []any
	Err     error
}

func (r FakeRow) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return scanInto(dest, r.Columns)
}

// FakeRows iterates a fixed set of rows through the pgx.Rows interface.
type FakeRows struct {
	rows   [][]any
	pos    int
	err    error
	closed bool
}

// NewFakeRows builds rows from column-value slices in iteration order.
func NewFakeRows(rows [][]any) *FakeRows {
	return &FakeRows{rows: rows, pos: -1}
}

// NewFakeRowsErr builds rows that surface err from Err after iteration.
func NewFakeRowsErr(err error) *FakeRows {
	return &FakeRows{err: err, pos: -1}
}

func (r *FakeRows) Close()                                       { r.closed = true }
func (r *FakeRows) Err() error                                   { return r.err }
func (r *FakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *FakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *FakeRows) RawValues() [][]byte                          { return nil }
func (r *FakeRows) Conn() *pgx.Conn                              { return nil }

func (r *FakeRows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	r.pos++
	return r.pos < len(r.rows)
}

func (r *FakeRows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return fmt.Errorf("scan called without next")
	}
	return scanInto(dest, r.rows[r.pos])
}

func (r *FakeRows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil, fmt.Errorf("values called without next")
	}
	return r.rows[r.pos], nil
}

// scanInto assigns source column values into scan destinations, converting
// between compatible types the way a driver would (e.g. int64 column into
// an int field).
func scanInto(dest []any, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("scan destination count %d does not match column count %d", len(dest), len(src))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan destination %d is not a non-nil pointer", i)
		}
		elem := dv.Elem()
		if src[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(src[i])
		switch {
		case sv.Type().AssignableTo(elem.Type()):
			elem.Set(sv)
		case sv.Type().ConvertibleTo(elem.Type()):
			elem.Set(sv.Convert(elem.Type()))
		default:
			return fmt.Errorf("cannot scan %T into %T", src[i], d)
		}
	}
	return nil
}
