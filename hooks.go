package tenantdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// HookPoint names a lifecycle point of the hook pipeline.
type HookPoint int

const (
	HookSetup HookPoint = iota
	HookPostCreate
	HookPreRecycle
	HookPostRecycle
	HookPreMigrate
	HookPostMigrate
)

// String returns the string representation of the hook point
func (h HookPoint) String() string {
	switch h {
	case HookSetup:
		return "setup"
	case HookPostCreate:
		return "post-create"
	case HookPreRecycle:
		return "pre-recycle"
	case HookPostRecycle:
		return "post-recycle"
	case HookPreMigrate:
		return "pre-migrate"
	case HookPostMigrate:
		return "post-migrate"
	default:
		return "unknown"
	}
}

// Hooks is the lifecycle callback set of a Pool. It is injected once with
// WithHooks and never changes afterward.
//
// Setup and the migrate hooks may fail: a Setup error fails the creation
// attempt and a migrate hook error is returned to the caller. PostCreate,
// PreRecycle and PostRecycle have no error return. A hook that needs to veto
// a connection calls MarkBroken on it and the pool discards it.
//
// Embed DefaultHooks to override only some points:
//
//	type tenantHooks struct {
//	    tenantdb.DefaultHooks
//	}
//
//	func (h tenantHooks) PreMigrate(ctx context.Context, conn *tenantdb.Conn) error {
//	    return conn.Ping(ctx)
//	}
type Hooks interface {
	// Setup runs before a new physical connection exists and may adjust its config.
	Setup(ctx context.Context, config *pgx.ConnConfig) error
	// PostCreate runs right after a new connection is usable.
	PostCreate(ctx context.Context, conn *Conn)
	// PreRecycle runs when a holder releases a connection.
	PreRecycle(ctx context.Context, conn *Conn)
	// PostRecycle runs once a released connection has been accepted back,
	// immediately before it becomes available to waiters.
	PostRecycle(ctx context.Context, conn *Conn)
	// PreMigrate runs before the first migration step.
	PreMigrate(ctx context.Context, conn *Conn) error
	// PostMigrate runs after the last migration step, whether it failed or not.
	PostMigrate(ctx context.Context, conn *Conn) error
}

// DefaultHooks trace-logs every lifecycle point and does nothing else.
// A nil Logger discards the messages.
type DefaultHooks struct {
	Logger Logger
}

var _ Hooks = DefaultHooks{}

func (h DefaultHooks) trace(ctx context.Context, point HookPoint, conn *Conn) {
	if h.Logger == nil {
		return
	}
	data := map[string]interface{}{
		"target": "database",
		"hook":   point.String(),
	}
	if conn != nil {
		data["conn_id"] = conn.ID().String()
		data["is_broken"] = conn.IsBroken()
	}
	h.Logger.Log(ctx, LogLevelTrace, "called "+point.String()+" hook", data)
}

// Setup implements Hooks.
func (h DefaultHooks) Setup(ctx context.Context, config *pgx.ConnConfig) error {
	if h.Logger != nil {
		h.Logger.Log(ctx, LogLevelTrace, "called setup hook", map[string]interface{}{
			"target": "database",
			"hook":   HookSetup.String(),
			"host":   config.Host,
		})
	}
	return nil
}

// PostCreate implements Hooks.
func (h DefaultHooks) PostCreate(ctx context.Context, conn *Conn) {
	h.trace(ctx, HookPostCreate, conn)
}

// PreRecycle implements Hooks.
func (h DefaultHooks) PreRecycle(ctx context.Context, conn *Conn) {
	h.trace(ctx, HookPreRecycle, conn)
}

// PostRecycle implements Hooks.
func (h DefaultHooks) PostRecycle(ctx context.Context, conn *Conn) {
	h.trace(ctx, HookPostRecycle, conn)
}

// PreMigrate implements Hooks.
func (h DefaultHooks) PreMigrate(ctx context.Context, conn *Conn) error {
	h.trace(ctx, HookPreMigrate, conn)
	return nil
}

// PostMigrate implements Hooks.
func (h DefaultHooks) PostMigrate(ctx context.Context, conn *Conn) error {
	h.trace(ctx, HookPostMigrate, conn)
	return nil
}

// HookFuncs builds a Hooks value from individual functions. Nil fields are no-ops.
type HookFuncs struct {
	OnSetup       func(ctx context.Context, config *pgx.ConnConfig) error
	OnPostCreate  func(ctx context.Context, conn *Conn)
	OnPreRecycle  func(ctx context.Context, conn *Conn)
	OnPostRecycle func(ctx context.Context, conn *Conn)
	OnPreMigrate  func(ctx context.Context, conn *Conn) error
	OnPostMigrate func(ctx context.Context, conn *Conn) error
}

var _ Hooks = HookFuncs{}

// Setup implements Hooks.
func (f HookFuncs) Setup(ctx context.Context, config *pgx.ConnConfig) error {
	if f.OnSetup == nil {
		return nil
	}
	return f.OnSetup(ctx, config)
}

// PostCreate implements Hooks.
func (f HookFuncs) PostCreate(ctx context.Context, conn *Conn) {
	if f.OnPostCreate != nil {
		f.OnPostCreate(ctx, conn)
	}
}

// PreRecycle implements Hooks.
func (f HookFuncs) PreRecycle(ctx context.Context, conn *Conn) {
	if f.OnPreRecycle != nil {
		f.OnPreRecycle(ctx, conn)
	}
}

// PostRecycle implements Hooks.
func (f HookFuncs) PostRecycle(ctx context.Context, conn *Conn) {
	if f.OnPostRecycle != nil {
		f.OnPostRecycle(ctx, conn)
	}
}

// PreMigrate implements Hooks.
func (f HookFuncs) PreMigrate(ctx context.Context, conn *Conn) error {
	if f.OnPreMigrate == nil {
		return nil
	}
	return f.OnPreMigrate(ctx, conn)
}

// PostMigrate implements Hooks.
func (f HookFuncs) PostMigrate(ctx context.Context, conn *Conn) error {
	if f.OnPostMigrate == nil {
		return nil
	}
	return f.OnPostMigrate(ctx, conn)
}

// combinedHooks runs several Hooks in order.
type combinedHooks []Hooks

// CombineHooks combines multiple hook sets into one. Hooks run in argument
// order. Setup and PreMigrate stop at the first error; PostMigrate runs every
// hook and joins their errors.
func CombineHooks(hooksList ...Hooks) Hooks {
	combined := make(combinedHooks, 0, len(hooksList))
	for _, h := range hooksList {
		if h != nil {
			combined = append(combined, h)
		}
	}
	return combined
}

func (c combinedHooks) Setup(ctx context.Context, config *pgx.ConnConfig) error {
	for _, h := range c {
		if err := h.Setup(ctx, config); err != nil {
			return err
		}
	}
	return nil
}

func (c combinedHooks) PostCreate(ctx context.Context, conn *Conn) {
	for _, h := range c {
		h.PostCreate(ctx, conn)
	}
}

func (c combinedHooks) PreRecycle(ctx context.Context, conn *Conn) {
	for _, h := range c {
		h.PreRecycle(ctx, conn)
	}
}

func (c combinedHooks) PostRecycle(ctx context.Context, conn *Conn) {
	for _, h := range c {
		h.PostRecycle(ctx, conn)
	}
}

func (c combinedHooks) PreMigrate(ctx context.Context, conn *Conn) error {
	for _, h := range c {
		if err := h.PreMigrate(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (c combinedHooks) PostMigrate(ctx context.Context, conn *Conn) error {
	var errs []error
	for _, h := range c {
		if err := h.PostMigrate(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Common hook sets for typical use cases

// RuntimeParamsHooks creates a setup hook that sets session parameters such
// as application_name or search_path on every new connection.
func RuntimeParamsHooks(params map[string]string) Hooks {
	return HookFuncs{
		OnSetup: func(ctx context.Context, config *pgx.ConnConfig) error {
			if config.RuntimeParams == nil {
				config.RuntimeParams = make(map[string]string, len(params))
			}
			for k, v := range params {
				if k == "" {
					return fmt.Errorf("runtime parameter with empty name")
				}
				config.RuntimeParams[k] = v
			}
			return nil
		},
	}
}

// WarmupHooks creates a post-create hook that runs setupSQL on every new
// connection. A connection whose warm-up fails is marked broken, which fails
// that creation attempt.
func WarmupHooks(setupSQL string, logger Logger) Hooks {
	return HookFuncs{
		OnPostCreate: func(ctx context.Context, conn *Conn) {
			if setupSQL == "" {
				return
			}
			if _, err := conn.Exec(ctx, setupSQL); err != nil {
				if logger != nil {
					logger.Log(ctx, LogLevelWarn, "warm-up query failed", map[string]interface{}{
						"conn_id": conn.ID().String(),
						"error":   err.Error(),
					})
				}
				conn.MarkBroken()
			}
		},
	}
}

// ValidationHooks creates a pre-recycle hook that pings the connection on
// release and marks it broken when the ping fails.
func ValidationHooks() Hooks {
	return HookFuncs{
		OnPreRecycle: func(ctx context.Context, conn *Conn) {
			if err := conn.Ping(ctx); err != nil {
				conn.MarkBroken()
			}
		},
	}
}
