package tenantdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const testAddr = "postgres://tenantdb@localhost:5432/tenants"

var errFakeUnsupported = errors.New("fake backend: not supported")

// fakeBackend is an in-memory Backend. It records executed statements and
// lets tests control liveness.
type fakeBackend struct {
	mu      sync.Mutex
	execs   []string
	execErr error
	pingErr error

	closed atomic.Bool
	closes atomic.Int32
	pings  atomic.Int32
}

func (b *fakeBackend) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execs = append(b.execs, sql)
	if b.execErr != nil {
		return pgconn.CommandTag{}, b.execErr
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (b *fakeBackend) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errFakeUnsupported
}

func (b *fakeBackend) QueryRow(context.Context, string, ...any) pgx.Row {
	return &errRow{err: errFakeUnsupported}
}

func (b *fakeBackend) Begin(ctx context.Context) (pgx.Tx, error) {
	return b.BeginTx(ctx, pgx.TxOptions{})
}

func (b *fakeBackend) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errFakeUnsupported
}

func (b *fakeBackend) Ping(context.Context) error {
	b.pings.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return errors.New("conn closed")
	}
	return b.pingErr
}

func (b *fakeBackend) Close(context.Context) error {
	b.closes.Add(1)
	b.closed.Store(true)
	return nil
}

func (b *fakeBackend) IsClosed() bool {
	return b.closed.Load()
}

func (b *fakeBackend) setPingErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

func (b *fakeBackend) executed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.execs...)
}

// fakeConnector hands out fakeBackends, optionally after a delay or with an error.
type fakeConnector struct {
	mu       sync.Mutex
	opened   []*fakeBackend
	configs  []*pgx.ConnConfig
	delay    time.Duration
	err      error
	attempts atomic.Int32
}

func (c *fakeConnector) Connect(ctx context.Context, config *pgx.ConnConfig) (Backend, error) {
	c.attempts.Add(1)

	c.mu.Lock()
	delay, err := c.delay, c.err
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b := &fakeBackend{}
	c.mu.Lock()
	c.opened = append(c.opened, b)
	c.configs = append(c.configs, config)
	c.mu.Unlock()
	return b, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

func (c *fakeConnector) backend(i int) *fakeBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[i]
}

func (c *fakeConnector) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// newTestPool builds a pool over a fakeConnector and closes it when the
// test ends. Tests must release every connection they acquire.
func newTestPool(t *testing.T, cfg PoolConfig, opts ...Option) (*Pool, *fakeConnector) {
	t.Helper()

	fc := &fakeConnector{}
	opts = append([]Option{WithConnector(fc), WithLabel("test")}, opts...)
	pool, err := New(testAddr, cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, fc
}

// eventLog collects hook events from several goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.list() {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) hooks() HookFuncs {
	return HookFuncs{
		OnSetup: func(context.Context, *pgx.ConnConfig) error {
			l.add("setup")
			return nil
		},
		OnPostCreate: func(context.Context, *Conn) { l.add("post-create") },
		OnPreRecycle: func(context.Context, *Conn) { l.add("pre-recycle") },
		OnPostRecycle: func(context.Context, *Conn) {
			l.add("post-recycle")
		},
		OnPreMigrate: func(context.Context, *Conn) error {
			l.add("pre-migrate")
			return nil
		},
		OnPostMigrate: func(context.Context, *Conn) error {
			l.add("post-migrate")
			return nil
		},
	}
}

// recordingLogger keeps every message it is given.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level LogLevel
	msg   string
	data  map[string]interface{}
}

func (l *recordingLogger) Log(_ context.Context, level LogLevel, msg string, data map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, data: data})
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}
