package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

// errConnReleased is returned by statement methods called after Release.
var errConnReleased = errors.New("tenantdb: connection already released")

// connResource is the pooled physical session. It lives in the puddle pool
// for the whole life of the backend connection.
type connResource struct {
	id        uuid.UUID
	backend   Backend
	createdAt time.Time
	broken    atomic.Bool
	lastUsed  atomic.Int64 // unix nanos
	recycles  atomic.Int64

	// builtFor is the Acquire call that opened the connection. It is cleared
	// when that call receives it; a connection whose builder gave up goes
	// idle with it still set and is validated like any other.
	builtFor *acquireTicket
}

func newConnResource(backend Backend) *connResource {
	now := time.Now()
	cr := &connResource{
		id:        uuid.New(),
		backend:   backend,
		createdAt: now,
	}
	cr.lastUsed.Store(now.UnixNano())
	return cr
}

// isBroken reports the broken flag, or a backend that knows it is closed.
func (cr *connResource) isBroken() bool {
	if cr.broken.Load() {
		return true
	}
	if r, ok := cr.backend.(closedReporter); ok && r.IsClosed() {
		return true
	}
	return false
}

// Conn is a connection checked out of a Pool. It is owned by exactly one
// goroutine until Release is called; it must not be shared.
//
// Statement failures are returned as *QueryError. A failure that shows the
// session itself is gone marks the connection broken so the pool discards it
// on release.
type Conn struct {
	pool     *Pool
	res      *puddle.Resource[*connResource]
	cr       *connResource
	released atomic.Bool

	// recycling is set while the recycle hooks run on a released handle.
	recycling atomic.Bool
}

// ID returns the stable identifier of the underlying physical connection.
func (c *Conn) ID() uuid.UUID {
	return c.cr.id
}

// CreatedAt returns when the physical connection was opened.
func (c *Conn) CreatedAt() time.Time {
	return c.cr.createdAt
}

// LastUsed returns when the physical connection was last returned to the
// pool, or its creation time if it has never been returned.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.cr.lastUsed.Load())
}

// Recycles returns how many times the physical connection has been returned to the pool.
func (c *Conn) Recycles() int64 {
	return c.cr.recycles.Load()
}

// IsBroken reports whether the connection has been marked unusable.
func (c *Conn) IsBroken() bool {
	return c.cr.isBroken()
}

// MarkBroken flags the connection so the pool destroys it instead of reusing it.
func (c *Conn) MarkBroken() {
	c.cr.broken.Store(true)
}

// Backend returns the underlying backend session. Statements issued on it
// bypass error wrapping and broken detection.
func (c *Conn) Backend() Backend {
	return c.cr.backend
}

// PgxConn returns the underlying *pgx.Conn, or nil when the pool was built
// with a Connector that produces another Backend.
func (c *Conn) PgxConn() *pgx.Conn {
	conn, _ := c.cr.backend.(*pgx.Conn)
	return conn
}

// Release returns the connection to its pool. It is safe to call more than
// once; only the first call has an effect.
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.recycle(c)
}

func (c *Conn) checkUsable() error {
	if c.released.Load() && !c.recycling.Load() {
		return errConnReleased
	}
	return nil
}

func (c *Conn) observe(operation, sql string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		c.MarkBroken()
	}
	return NewQueryError(operation, sql, err)
}

// Exec executes a statement on the connection.
//
// Example:
//
//	tag, err := conn.Exec(ctx, "UPDATE accounts SET display_name = $1 WHERE id = $2", name, id)
func (c *Conn) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if err := c.checkUsable(); err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := c.cr.backend.Exec(ctx, sql, args...)
	return tag, c.observe("exec", sql, err)
}

// Query executes a query on the connection. Errors met while iterating the
// returned rows are reported by rows.Err() unwrapped.
func (c *Conn) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	rows, err := c.cr.backend.Query(ctx, sql, args...)
	if err != nil {
		return nil, c.observe("query", sql, err)
	}
	return rows, nil
}

// QueryRow executes a query that returns a single row. The Scan error is a
// *QueryError; errors.Is(err, pgx.ErrNoRows) still matches an empty result.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if err := c.checkUsable(); err != nil {
		return &errRow{err: err}
	}
	return &observedRow{conn: c, sql: sql, row: c.cr.backend.QueryRow(ctx, sql, args...)}
}

// Begin starts a transaction with default options.
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.BeginTx(ctx, pgx.TxOptions{})
}

// BeginTx starts a transaction with the given options.
func (c *Conn) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	tx, err := c.cr.backend.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, c.observe("begin", "", err)
	}
	return tx, nil
}

// Ping checks that the backend session is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	return c.observe("ping", "", c.cr.backend.Ping(ctx))
}

// WithTx executes fn inside a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise, including on panic.
//
// Example:
//
//	err := conn.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
//	    _, err := tx.Exec(ctx, "DELETE FROM account_sessions WHERE account_id = $1", id)
//	    return err
//	})
func (c *Conn) WithTx(ctx context.Context, txOptions pgx.TxOptions, fn func(tx pgx.Tx) error) (err error) {
	if fn == nil {
		return fmt.Errorf("transaction function cannot be nil")
	}

	tx, err := c.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				err = errors.Join(err, c.observe("rollback", "", rollbackErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return c.observe("commit", "", err)
	}
	return nil
}

// observedRow wraps the Scan error of a single-row query.
type observedRow struct {
	conn *Conn
	sql  string
	row  pgx.Row
}

func (r *observedRow) Scan(dest ...interface{}) error {
	return r.conn.observe("query_row", r.sql, r.row.Scan(dest...))
}

// errRow implements pgx.Row for a connection that can no longer be used
type errRow struct {
	err error
}

func (r *errRow) Scan(dest ...interface{}) error {
	return r.err
}
