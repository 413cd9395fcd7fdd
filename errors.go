package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool error types. Every error returned by the pool, its connections and the
// migration bridge is one of these, so callers can branch with errors.As()
// instead of matching strings.

// ErrPoolClosed is returned by Acquire once Close or Shutdown has been called.
var ErrPoolClosed = errors.New("tenantdb: pool is closed")

// TimeoutPhase identifies which bounded wait expired.
type TimeoutPhase int

const (
	// PhaseCreate is the create_timeout budget for opening a new connection.
	PhaseCreate TimeoutPhase = iota
	// PhaseWait is the wait_timeout budget for a free slot.
	PhaseWait
	// PhaseRecycle is the recycle_timeout budget for validating or returning a connection.
	PhaseRecycle
)

// String returns the string representation of the phase
func (p TimeoutPhase) String() string {
	switch p {
	case PhaseCreate:
		return "create"
	case PhaseWait:
		return "wait"
	case PhaseRecycle:
		return "recycle"
	default:
		return "unknown"
	}
}

// TimeoutError represents an exhausted create, wait or recycle budget.
// Timeouts are recoverable: the pool is untouched and the caller may retry.
type TimeoutError struct {
	Phase TimeoutPhase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tenantdb: %s timeout exceeded", e.Phase)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ConnectionError represents a failure to establish a backend session,
// including a failing setup hook.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenantdb: failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// QueryError represents a statement that failed on a pooled connection.
type QueryError struct {
	Operation string // "exec", "query", "query_row", "begin", "ping"
	SQL       string
	Err       error
}

func (e *QueryError) Error() string {
	if e.SQL == "" {
		return fmt.Sprintf("tenantdb: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("tenantdb: %s failed (%s): %v", e.Operation, abbreviateSQL(e.SQL), e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// MigrationStage identifies where in a migration run a MigrationError happened.
type MigrationStage int

const (
	StagePreMigrate MigrationStage = iota
	StageExecute
	StagePostMigrate
)

// String returns the string representation of the stage
func (s MigrationStage) String() string {
	switch s {
	case StagePreMigrate:
		return "pre-migrate"
	case StageExecute:
		return "execute"
	case StagePostMigrate:
		return "post-migrate"
	default:
		return "unknown"
	}
}

// MigrationError represents a failed migration run. Applied is the number of
// steps that completed before the failure; Version is the version of the
// failing step when known. HookErr carries a post-migrate hook failure that
// happened after a step had already failed.
type MigrationError struct {
	Stage     MigrationStage
	Direction Direction
	Applied   int
	Version   int64
	Err       error
	HookErr   error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tenantdb: migration %s failed at %s", e.Direction, e.Stage)
	if e.Version > 0 {
		fmt.Fprintf(&b, " (version %d)", e.Version)
	}
	fmt.Fprintf(&b, " after %d step(s): %v", e.Applied, e.Err)
	if e.HookErr != nil {
		fmt.Fprintf(&b, "; post-migrate hook: %v", e.HookErr)
	}
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// ValidationError represents an invalid configuration detected before any
// connection is opened.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tenantdb: invalid %s: %s (%s): %v", e.Entity, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("tenantdb: invalid %s: %s (%s)", e.Entity, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError for the given phase.
func NewTimeoutError(phase TimeoutPhase) *TimeoutError {
	return &TimeoutError{Phase: phase}
}

// NewConnectionError creates a new ConnectionError with the given address and cause.
func NewConnectionError(addr string, err error) *ConnectionError {
	return &ConnectionError{
		Addr: addr,
		Err:  err,
	}
}

// NewQueryError creates a new QueryError with the given operation, statement and cause.
func NewQueryError(operation, sql string, err error) *QueryError {
	return &QueryError{
		Operation: operation,
		SQL:       sql,
		Err:       err,
	}
}

// NewValidationError creates a new ValidationError with the given parameters.
func NewValidationError(entity, field, reason string, err error) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Field:  field,
		Reason: reason,
		Err:    err,
	}
}

// IsTimeout reports whether err is a pool TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TimeoutPhaseOf returns the phase of the TimeoutError wrapped by err.
func TimeoutPhaseOf(err error) (TimeoutPhase, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	return 0, false
}

// isConnectionError reports whether err means the backend session itself is
// gone, as opposed to a statement failing on a healthy session.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006", // connection_failure
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "conn closed") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "unexpected EOF")
}

func abbreviateSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 64 {
		return sql[:61] + "..."
	}
	return sql
}
