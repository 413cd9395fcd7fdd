// Package tenantdb provides managed, shared access to PostgreSQL for
// multi-tenant services.
//
// It has two parts: a connection pool with lifecycle hooks and typed timeout
// errors, and a migration bridge that runs goose migrations on a pooled
// connection from a dedicated worker so acquisitions are never stalled by
// migration I/O.
//
// Basic Usage:
//
//	pool, err := tenantdb.New(dsn, tenantdb.MultipleGatewaysConfig().WithWaitTimeout(2*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	if _, err := pool.ApplyDefaultMigrations(ctx); err != nil {
//	    log.Fatal(err) // do not run against an unmigrated schema
//	}
//
//	conn, err := pool.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Release()
//	_, err = conn.Exec(ctx, "UPDATE accounts SET updated_at = now() WHERE id = $1", id)
//
// Pool exhaustion surfaces as a *TimeoutError with Phase PhaseWait, which is
// distinguishable from a backend outage (*ConnectionError).
package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jackc/puddle/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"
)

// closeTimeout bounds closing a discarded backend session.
const closeTimeout = 5 * time.Second

// errBrokenConn marks an idle connection that failed pre-use validation.
var errBrokenConn = errors.New("tenantdb: connection is broken")

// RecycleCheck is the caller-supplied predicate used by RecyclingCustom.
// A non-nil error discards the connection.
type RecycleCheck func(ctx context.Context, conn *Conn) error

// Option configures a Pool.
type Option func(*options)

type options struct {
	hooks           Hooks
	logger          Logger
	connector       Connector
	recycleCheck    RecycleCheck
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	queryLogLevel   *LogLevel
	blockingWorkers int
	label           string
	connectRetry    []RetryOption
}

// WithHooks sets the lifecycle hooks. The default is DefaultHooks with the pool logger.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithLogger sets the pool logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithConnector replaces the PgxConnector used to open backend sessions.
func WithConnector(c Connector) Option {
	return func(o *options) {
		o.connector = c
	}
}

// WithConnectRetry retries transient failures to open a connection with
// exponential backoff, within the create budget.
func WithConnectRetry(opts ...RetryOption) Option {
	return func(o *options) {
		o.connectRetry = append([]RetryOption{WithMaxRetries(3)}, opts...)
	}
}

// WithRecycleCheck sets the predicate used by RecyclingCustom.
func WithRecycleCheck(check RecycleCheck) Option {
	return func(o *options) {
		o.recycleCheck = check
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. The default is the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for migration spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithQueryLogLevel installs a pgx query tracer that writes to the pool
// logger at the given level. Only connections opened by PgxConnector honor it.
func WithQueryLogLevel(level LogLevel) Option {
	return func(o *options) {
		o.queryLogLevel = &level
	}
}

// WithBlockingWorkers sets how many migration runs may execute at once. The default is 1.
func WithBlockingWorkers(n int) Option {
	return func(o *options) {
		o.blockingWorkers = n
	}
}

// WithLabel sets the "pool" attribute reported with metrics. The default is host:port/database.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// Pool is a bounded set of backend connections shared by concurrent callers.
//
// Capacity is guarded by a FIFO semaphore: callers that find the pool at
// capacity queue in arrival order until a holder releases or their wait
// budget runs out. Connections are opened lazily and reused through a
// puddle resource pool.
type Pool struct {
	addr         string
	label        string
	connConfig   *pgx.ConnConfig
	cfg          PoolConfig
	maxSize      int
	hooks        Hooks
	connector    Connector
	logger       Logger
	recycleCheck RecycleCheck

	resources *puddle.Pool[*connResource]
	slots     *semaphore.Weighted
	waiting   atomic.Int64

	closed      atomic.Bool
	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
	closeDone   chan struct{}
	destroying  sync.WaitGroup

	metrics     *poolMetrics
	tracer      trace.Tracer
	blocking    *blockingExecutor
	newMigrator migratorFactory
}

// New creates a pool for the backend at addr. It validates cfg and the
// address but opens no connection; the first Acquire does. An empty addr
// uses the POSTGRES_* environment variables (see GetDSN).
//
// Example:
//
//	pool, err := tenantdb.New("postgres://app@db/tenants", tenantdb.DefaultPoolConfig(),
//	    tenantdb.WithLogger(tenantdb.NewDefaultLogger(tenantdb.LogLevelInfo)),
//	    tenantdb.WithHooks(tenantdb.RuntimeParamsHooks(map[string]string{"application_name": "gateway"})),
//	)
func New(addr string, cfg PoolConfig, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:          NopLogger{},
		connector:       PgxConnector{},
		blockingWorkers: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger{}
	}
	if o.hooks == nil {
		o.hooks = DefaultHooks{Logger: o.logger}
	}
	if o.connector == nil {
		o.connector = PgxConnector{}
	}
	if o.connectRetry != nil {
		rc := NewRetryConnector(o.connector, o.connectRetry...)
		rc.logger = o.logger
		o.connector = rc
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.blockingWorkers < 1 {
		return nil, NewValidationError("pool options", "blocking_workers", "must be at least 1", nil)
	}
	if cfg.RecyclingMethod == RecyclingCustom && o.recycleCheck == nil {
		return nil, NewValidationError("pool config", "recycling_method", "custom requires WithRecycleCheck", nil)
	}

	connConfig, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	if o.queryLogLevel != nil {
		connConfig.Tracer = &tracelog.TraceLog{
			Logger:   &pgxLoggerAdapter{logger: o.logger},
			LogLevel: convertLogLevel(*o.queryLogLevel),
		}
	}

	cfg = cfg.clone()
	addrLabel := redactedAddress(connConfig)
	label := o.label
	if label == "" {
		label = addrLabel
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	p := &Pool{
		addr:         addrLabel,
		label:        label,
		connConfig:   connConfig,
		cfg:          cfg,
		maxSize:      cfg.MaxSize(),
		hooks:        o.hooks,
		connector:    o.connector,
		logger:       o.logger,
		recycleCheck: o.recycleCheck,
		slots:        semaphore.NewWeighted(int64(cfg.MaxSize())),
		closeCtx:     closeCtx,
		closeCancel:  closeCancel,
		closeDone:    make(chan struct{}),
		tracer:       o.tracerProvider.Tracer(meterName),
		blocking:     newBlockingExecutor(o.blockingWorkers),
		newMigrator:  newGooseMigrator,
	}

	p.resources, err = puddle.NewPool(&puddle.Config[*connResource]{
		Constructor: p.construct,
		Destructor:  p.closeBackend,
		MaxSize:     int32(p.maxSize),
	})
	if err != nil {
		closeCancel()
		return nil, fmt.Errorf("failed to create resource pool: %w", err)
	}

	p.metrics, err = newPoolMetrics(o.meterProvider, label, p)
	if err != nil {
		closeCancel()
		p.resources.Close()
		return nil, fmt.Errorf("failed to init pool metrics: %w", err)
	}

	p.logger.Log(context.Background(), LogLevelDebug, "pool created", map[string]interface{}{
		"addr":             p.addr,
		"max_connections":  p.maxSize,
		"recycling_method": cfg.RecyclingMethod.String(),
	})
	return p, nil
}

// NewSingleGateway creates a pool with the single-gateway profile (64 connections).
func NewSingleGateway(addr string, opts ...Option) (*Pool, error) {
	return New(addr, SingleGatewayConfig(), opts...)
}

// NewMultipleGateways creates a pool with the multiple-gateways profile (8 connections).
func NewMultipleGateways(addr string, opts ...Option) (*Pool, error) {
	return New(addr, MultipleGatewaysConfig(), opts...)
}

// Config returns a copy of the pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg.clone()
}

// Acquire returns a connection for the exclusive use of the caller, who must
// call Release on it.
//
// An idle connection is validated according to the recycling method first;
// one that fails is destroyed and the acquisition continues as if none had
// been idle. When nothing is idle and the pool has room, a new connection is
// opened under the create budget. At capacity the caller queues FIFO under
// the wait budget.
//
// Errors: *TimeoutError (PhaseWait or PhaseCreate), *ConnectionError,
// ErrPoolClosed, or ctx.Err() when the caller's own context ends first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	ticket := &acquireTicket{start: time.Now()}
	if err := p.waitForSlot(ctx); err != nil {
		return nil, err
	}
	p.metrics.recordWait(ctx, time.Since(ticket.start))

	buildCtx := context.WithValue(ctx, acquireTicketKey{}, ticket)
	for {
		res, err := p.resources.Acquire(buildCtx)
		if err != nil {
			p.slots.Release(1)
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, ErrPoolClosed
			}
			return nil, err
		}

		c := &Conn{pool: p, res: res, cr: res.Value()}
		if c.cr.builtFor == ticket && !c.cr.isBroken() {
			c.cr.builtFor = nil
			return c, nil
		}
		c.cr.builtFor = nil

		if err := p.validate(ctx, c); err != nil {
			p.logger.Log(ctx, LogLevelDebug, "idle connection failed validation", map[string]interface{}{
				"conn_id":  c.ID().String(),
				"idle_for": time.Since(c.LastUsed()).String(),
				"error":    err.Error(),
			})
			p.discard(ctx, c, "validation")
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.slots.Release(1)
				return nil, ctxErr
			}
			continue
		}
		return c, nil
	}
}

// acquireTicket identifies one Acquire call. It travels to the constructor
// in the context so the connection knows which call it was opened for.
type acquireTicket struct {
	start time.Time
}

type acquireTicketKey struct{}

// AcquireFunc acquires a connection, calls fn with it and releases it when
// fn returns.
func (p *Pool) AcquireFunc(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// waitForSlot takes one unit of pool capacity, queueing FIFO behind earlier callers.
func (p *Pool) waitForSlot(ctx context.Context) error {
	if p.slots.TryAcquire(1) {
		if p.closed.Load() {
			p.slots.Release(1)
			return ErrPoolClosed
		}
		return nil
	}

	wait := p.cfg.WaitTimeout
	if wait != nil && *wait == 0 {
		p.metrics.recordTimeout(ctx, PhaseWait)
		return NewTimeoutError(PhaseWait)
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if wait != nil {
		timer := time.AfterFunc(*wait, func() { cancel(NewTimeoutError(PhaseWait)) })
		defer timer.Stop()
	}
	stop := context.AfterFunc(p.closeCtx, func() { cancel(ErrPoolClosed) })
	defer stop()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		cause := context.Cause(waitCtx)
		if IsTimeout(cause) {
			p.metrics.recordTimeout(ctx, PhaseWait)
		}
		return cause
	}

	if p.closed.Load() {
		p.slots.Release(1)
		return ErrPoolClosed
	}
	return nil
}

// construct is the puddle constructor. It runs setup, the connector and
// post-create under the create budget. ctx is detached from the caller's
// cancellation but ends when the pool closes.
func (p *Pool) construct(ctx context.Context) (*connResource, error) {
	ctx, cancel := withOptionalTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	cr, err := p.open(ctx)
	if err != nil {
		if p.cfg.CreateTimeout != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.metrics.recordTimeout(ctx, PhaseCreate)
			p.logger.Log(ctx, LogLevelWarn, "connection creation timed out", map[string]interface{}{
				"addr":    p.addr,
				"timeout": p.cfg.CreateTimeout.String(),
			})
			return nil, NewTimeoutError(PhaseCreate)
		}
		p.logger.Log(ctx, LogLevelWarn, "connection creation failed", map[string]interface{}{
			"addr":  p.addr,
			"error": err.Error(),
		})
		return nil, err
	}
	return cr, nil
}

func (p *Pool) open(ctx context.Context) (*connResource, error) {
	config := p.connConfig.Copy()
	if err := p.runSetup(ctx, config); err != nil {
		return nil, NewConnectionError(p.addr, fmt.Errorf("setup hook: %w", err))
	}

	backend, err := p.connector.Connect(ctx, config)
	if err != nil {
		return nil, NewConnectionError(p.addr, err)
	}

	cr := newConnResource(backend)
	cr.builtFor, _ = ctx.Value(acquireTicketKey{}).(*acquireTicket)
	handle := &Conn{pool: p, cr: cr}
	if !p.runHook(ctx, HookPostCreate, handle, p.hooks.PostCreate) || cr.isBroken() {
		p.closeBackend(cr)
		return nil, NewConnectionError(p.addr, errors.New("connection rejected by post-create hook"))
	}
	return cr, nil
}

func (p *Pool) runSetup(ctx context.Context, config *pgx.ConnConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.hooks.Setup(ctx, config)
}

// runHook calls a hook that must not fail. A panic is a contract violation:
// it is logged and reported as false so the connection is dropped.
func (p *Pool) runHook(ctx context.Context, point HookPoint, conn *Conn, fn func(context.Context, *Conn)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.logger.Log(ctx, LogLevelError, "hook panicked", map[string]interface{}{
				"hook":    point.String(),
				"conn_id": conn.ID().String(),
				"panic":   fmt.Sprint(r),
			})
		}
	}()
	fn(ctx, conn)
	return true
}

// validate applies the recycling method to an idle connection before reuse.
func (p *Pool) validate(ctx context.Context, c *Conn) error {
	if c.cr.isBroken() {
		return errBrokenConn
	}

	vctx, cancel := withOptionalTimeout(ctx, p.cfg.RecycleTimeout)
	defer cancel()

	var err error
	switch p.cfg.RecyclingMethod {
	case RecyclingVerified:
		err = c.cr.backend.Ping(vctx)
	case RecyclingCustom:
		err = p.recycleCheck(vctx, c)
	}
	if err == nil && c.cr.isBroken() {
		err = errBrokenConn
	}
	if err != nil && ctx.Err() == nil && errors.Is(vctx.Err(), context.DeadlineExceeded) {
		p.metrics.recordTimeout(ctx, PhaseRecycle)
		return NewTimeoutError(PhaseRecycle)
	}
	return err
}

// recycle returns a released connection to the pool: pre-recycle, liveness
// check, post-recycle, then back to the idle set, all under the recycle
// budget. A connection that is broken, or whose recycle overruns, is
// destroyed instead; nothing is reported to the releasing caller.
//
// With a recycle budget the caller waits at most that long. Hooks that
// ignore ctx keep running in the background and hold their slot until they
// return, after which the connection is destroyed.
func (p *Pool) recycle(c *Conn) {
	if c.res == nil {
		return
	}

	ctx, cancel := withOptionalTimeout(context.Background(), p.cfg.RecycleTimeout)
	if p.cfg.RecycleTimeout == nil {
		defer cancel()
		p.runRecycle(ctx, c)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		p.runRecycle(ctx, c)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pool) runRecycle(ctx context.Context, c *Conn) {
	defer p.slots.Release(1)
	c.recycling.Store(true)
	defer c.recycling.Store(false)

	if !p.runHook(ctx, HookPreRecycle, c, p.hooks.PreRecycle) {
		p.discard(ctx, c, "hook_panic")
		return
	}
	if reason := p.rejectReason(ctx, c); reason != "" {
		p.discard(ctx, c, reason)
		return
	}
	if !p.runHook(ctx, HookPostRecycle, c, p.hooks.PostRecycle) {
		p.discard(ctx, c, "hook_panic")
		return
	}
	if reason := p.rejectReason(ctx, c); reason != "" {
		p.discard(ctx, c, reason)
		return
	}

	c.cr.recycles.Add(1)
	c.cr.lastUsed.Store(time.Now().UnixNano())
	res := c.res
	c.res = nil
	res.Release()
}

func (p *Pool) rejectReason(ctx context.Context, c *Conn) string {
	switch {
	case c.cr.isBroken():
		return "broken"
	case p.closed.Load():
		return "closed"
	case ctx.Err() != nil:
		p.metrics.recordTimeout(ctx, PhaseRecycle)
		p.logger.Log(ctx, LogLevelWarn, "connection recycle timed out", map[string]interface{}{
			"conn_id": c.ID().String(),
		})
		return "recycle_timeout"
	default:
		return ""
	}
}

// discard removes a held connection from the pool, freeing its capacity at
// once, and closes the backend in the background.
func (p *Pool) discard(ctx context.Context, c *Conn, reason string) {
	p.metrics.recordDiscard(ctx, reason)
	p.logger.Log(ctx, LogLevelDebug, "discarding connection", map[string]interface{}{
		"conn_id":   c.ID().String(),
		"reason":    reason,
		"recycles":  c.Recycles(),
		"last_used": c.LastUsed().Format(time.RFC3339Nano),
	})

	cr := c.cr
	res := c.res
	c.res = nil

	p.destroying.Add(1)
	res.Hijack()
	go func() {
		defer p.destroying.Done()
		p.closeBackend(cr)
	}()
}

func (p *Pool) closeBackend(cr *connResource) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := cr.backend.Close(ctx); err != nil {
		p.logger.Log(ctx, LogLevelDebug, "error closing connection", map[string]interface{}{
			"conn_id": cr.id.String(),
			"error":   err.Error(),
		})
	}
}

// Status is a best-effort snapshot of pool occupancy. The fields are read
// without a common lock and may be mutually inconsistent under concurrent
// use; use it for observability, not control flow.
type Status struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
	Waiting   int `json:"waiting"`
}

// Status returns the current pool occupancy.
func (p *Pool) Status() Status {
	stat := p.resources.Stat()
	return Status{
		Size:      int(stat.TotalResources()),
		MaxSize:   p.maxSize,
		Available: int(stat.IdleResources()),
		Waiting:   int(p.waiting.Load()),
	}
}

// Snapshot is Status plus the closed flag, for structured logging.
type Snapshot struct {
	Size      int  `json:"size"`
	MaxSize   int  `json:"max_size"`
	Available int  `json:"available"`
	Waiting   int  `json:"waiting"`
	IsClosed  bool `json:"is_closed"`
}

// String implements fmt.Stringer.
func (s Snapshot) String() string {
	return fmt.Sprintf("size=%d max_size=%d available=%d waiting=%d is_closed=%t",
		s.Size, s.MaxSize, s.Available, s.Waiting, s.IsClosed)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s Snapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("size", s.Size)
	enc.AddInt("max_size", s.MaxSize)
	enc.AddInt("available", s.Available)
	enc.AddInt("waiting", s.Waiting)
	enc.AddBool("is_closed", s.IsClosed)
	return nil
}

// DebugSnapshot returns Status together with the closed flag.
func (p *Pool) DebugSnapshot() Snapshot {
	s := p.Status()
	return Snapshot{
		Size:      s.Size,
		MaxSize:   s.MaxSize,
		Available: s.Available,
		Waiting:   s.Waiting,
		IsClosed:  p.IsClosed(),
	}
}

// String implements fmt.Stringer.
func (p *Pool) String() string {
	return fmt.Sprintf("tenantdb.Pool(%s) %s", p.addr, p.DebugSnapshot())
}

// IsClosed reports whether Close or Shutdown has been called. Once true it stays true.
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// Shutdown closes the pool. New acquisitions fail with ErrPoolClosed and
// queued callers are woken with it. Connections still held are destroyed as
// their holders release them; Shutdown waits for that until ctx ends, after
// which it returns ctx.Err() and the close finishes in the background.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := pool.Shutdown(ctx)
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeCancel()
		p.logger.Log(ctx, LogLevelDebug, "closing pool", map[string]interface{}{
			"addr":     p.addr,
			"snapshot": p.DebugSnapshot().String(),
		})

		go func() {
			p.resources.Close()
			p.destroying.Wait()
			p.blocking.stop()
			if err := p.metrics.unregister(); err != nil {
				p.logger.Log(context.Background(), LogLevelDebug, "failed to unregister pool metrics", map[string]interface{}{
					"error": err.Error(),
				})
			}
			close(p.closeDone)
		}()
	})

	select {
	case <-p.closeDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the pool and waits until every connection has been released
// and destroyed. A goroutine must not call Close while holding a connection.
func (p *Pool) Close() {
	_ = p.Shutdown(context.Background())
}

// HealthCheck acquires a connection, pings it and releases it.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	return p.AcquireFunc(ctx, func(c *Conn) error {
		return c.Ping(ctx)
	})
}

// IsReady reports whether HealthCheck succeeds.
func (p *Pool) IsReady(ctx context.Context) bool {
	return p.HealthCheck(ctx) == nil
}

func withOptionalTimeout(ctx context.Context, d *time.Duration) (context.Context, context.CancelFunc) {
	if d == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, *d)
}
