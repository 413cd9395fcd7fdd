package tenantdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// The types below expose one pinned Backend through database/sql so that
// synchronous tooling (goose) can drive it. The backend stays owned by the
// pool: closing the *sql.DB never closes it.

var errOpenUnsupported = errors.New("tenantdb: sql driver only supports pinned connections")

// openPinnedDB wraps backend in a *sql.DB limited to that single session.
func openPinnedDB(backend Backend) *sql.DB {
	db := sql.OpenDB(&pinnedConnector{backend: backend})
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db
}

type pinnedDriver struct{}

func (pinnedDriver) Open(string) (driver.Conn, error) {
	return nil, errOpenUnsupported
}

type pinnedConnector struct {
	backend Backend
}

func (c *pinnedConnector) Connect(context.Context) (driver.Conn, error) {
	return &pinnedConn{backend: c.backend}, nil
}

func (c *pinnedConnector) Driver() driver.Driver {
	return pinnedDriver{}
}

type pinnedConn struct {
	backend Backend
	tx      pgx.Tx
}

var (
	_ driver.Conn               = (*pinnedConn)(nil)
	_ driver.ConnBeginTx        = (*pinnedConn)(nil)
	_ driver.ExecerContext      = (*pinnedConn)(nil)
	_ driver.QueryerContext     = (*pinnedConn)(nil)
	_ driver.Pinger             = (*pinnedConn)(nil)
	_ driver.Validator          = (*pinnedConn)(nil)
	_ driver.NamedValueChecker  = (*pinnedConn)(nil)
	_ driver.ConnPrepareContext = (*pinnedConn)(nil)
)

func (c *pinnedConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *pinnedConn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	return &pinnedStmt{conn: c, query: query}, nil
}

// Close is a no-op; the pool owns the backend.
func (c *pinnedConn) Close() error {
	return nil
}

func (c *pinnedConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *pinnedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.tx != nil {
		return nil, errors.New("tenantdb: transaction already in progress")
	}

	txOptions := pgx.TxOptions{}
	if opts.ReadOnly {
		txOptions.AccessMode = pgx.ReadOnly
	}
	switch sql.IsolationLevel(opts.Isolation) {
	case sql.LevelDefault:
	case sql.LevelReadUncommitted:
		txOptions.IsoLevel = pgx.ReadUncommitted
	case sql.LevelReadCommitted:
		txOptions.IsoLevel = pgx.ReadCommitted
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		txOptions.IsoLevel = pgx.RepeatableRead
	case sql.LevelSerializable:
		txOptions.IsoLevel = pgx.Serializable
	default:
		return nil, fmt.Errorf("tenantdb: unsupported isolation level %d", opts.Isolation)
	}

	tx, err := c.backend.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return &pinnedTx{conn: c, ctx: context.WithoutCancel(ctx)}, nil
}

// querier returns the open transaction, if any, so statements issued through
// a *sql.Tx run inside it.
func (c *pinnedConn) querier() interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.backend
}

func (c *pinnedConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	tag, err := c.querier().Exec(ctx, query, namedValueArgs(args)...)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(tag.RowsAffected()), nil
}

func (c *pinnedConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	rows, err := c.querier().Query(ctx, query, namedValueArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &pinnedRows{rows: rows}, nil
}

func (c *pinnedConn) Ping(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		if isConnectionError(err) {
			return driver.ErrBadConn
		}
		return err
	}
	return nil
}

func (c *pinnedConn) IsValid() bool {
	if r, ok := c.backend.(closedReporter); ok {
		return !r.IsClosed()
	}
	return true
}

// CheckNamedValue passes every argument through unchanged; pgx encodes them.
func (c *pinnedConn) CheckNamedValue(*driver.NamedValue) error {
	return nil
}

func namedValueArgs(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

type pinnedStmt struct {
	conn  *pinnedConn
	query string
}

func (s *pinnedStmt) Close() error {
	return nil
}

func (s *pinnedStmt) NumInput() int {
	return -1
}

func (s *pinnedStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, valueArgs(args))
}

func (s *pinnedStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, valueArgs(args))
}

func (s *pinnedStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *pinnedStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

func valueArgs(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

type pinnedTx struct {
	conn *pinnedConn
	ctx  context.Context
}

func (t *pinnedTx) Commit() error {
	tx := t.conn.tx
	t.conn.tx = nil
	if tx == nil {
		return sql.ErrTxDone
	}
	return tx.Commit(t.ctx)
}

func (t *pinnedTx) Rollback() error {
	tx := t.conn.tx
	t.conn.tx = nil
	if tx == nil {
		return sql.ErrTxDone
	}
	return tx.Rollback(t.ctx)
}

type pinnedRows struct {
	rows    pgx.Rows
	columns []string
}

func (r *pinnedRows) Columns() []string {
	if r.columns == nil {
		fields := r.rows.FieldDescriptions()
		r.columns = make([]string, len(fields))
		for i, f := range fields {
			r.columns[i] = f.Name
		}
	}
	return r.columns
}

func (r *pinnedRows) Close() error {
	r.rows.Close()
	return r.rows.Err()
}

func (r *pinnedRows) Next(dest []driver.Value) error {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	values, err := r.rows.Values()
	if err != nil {
		return err
	}
	for i := range dest {
		if i >= len(values) {
			dest[i] = nil
			continue
		}
		dest[i] = toDriverValue(values[i])
	}
	return nil
}

// toDriverValue converts a decoded pgx value to one of the types database/sql accepts.
func toDriverValue(v any) driver.Value {
	switch val := v.(type) {
	case nil:
		return nil
	case [16]byte:
		return uuid.UUID(val).String()
	case map[string]any, []any:
		if b, err := json.Marshal(val); err == nil {
			return b
		}
	}
	dv, err := driver.DefaultParameterConverter.ConvertValue(v)
	if err != nil {
		if s, ok := v.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprint(v)
	}
	return dv
}
