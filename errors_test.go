package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError(PhaseWait)

	expectedMsg := "tenantdb: wait timeout exceeded"
	if err.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, err.Error())
	}
	if !err.Timeout() {
		t.Error("Expected Timeout() to be true")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected TimeoutError to match context.DeadlineExceeded")
	}

	wrapped := fmt.Errorf("acquire for tenant 42: %w", err)
	if !IsTimeout(wrapped) {
		t.Error("Expected IsTimeout to see through wrapping")
	}
	phase, ok := TimeoutPhaseOf(wrapped)
	if !ok || phase != PhaseWait {
		t.Errorf("Expected phase wait, got %s (ok=%t)", phase, ok)
	}

	if IsTimeout(context.DeadlineExceeded) {
		t.Error("Expected a bare deadline not to count as a pool timeout")
	}
	if _, ok := TimeoutPhaseOf(errors.New("other")); ok {
		t.Error("Expected no phase for a non-timeout error")
	}
}

func TestTimeoutPhaseString(t *testing.T) {
	tests := map[TimeoutPhase]string{
		PhaseCreate:      "create",
		PhaseWait:        "wait",
		PhaseRecycle:     "recycle",
		TimeoutPhase(42): "unknown",
	}
	for phase, expected := range tests {
		if got := phase.String(); got != expected {
			t.Errorf("Expected %q, got %q", expected, got)
		}
	}
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectionError("db:5432/tenants", cause)

	expectedMsg := "tenantdb: failed to connect to db:5432/tenants: connection refused"
	if err.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected ConnectionError to unwrap to its cause")
	}
}

func TestQueryError(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_address_idx"}
	err := NewQueryError("exec", "INSERT INTO accounts (display_name, email_address, password_hash)\n\tVALUES ($1, $2, $3)", cause)

	if !strings.HasPrefix(err.Error(), "tenantdb: exec failed (INSERT INTO accounts (display_name, email_address, password_h...): ") {
		t.Errorf("Unexpected message '%s'", err.Error())
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.ConstraintName != "accounts_email_address_idx" {
		t.Error("Expected QueryError to unwrap to the PgError")
	}

	noSQL := NewQueryError("ping", "", io.ErrUnexpectedEOF)
	expectedMsg := "tenantdb: ping failed: unexpected EOF"
	if noSQL.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, noSQL.Error())
	}
}

func TestMigrationError(t *testing.T) {
	cause := errors.New(`syntax error at or near "TABEL"`)
	hookErr := errors.New("unlock failed")

	err := &MigrationError{
		Stage:     StageExecute,
		Direction: DirectionUp,
		Applied:   2,
		Version:   3,
		Err:       cause,
		HookErr:   hookErr,
	}

	expectedMsg := `tenantdb: migration up failed at execute (version 3) after 2 step(s): syntax error at or near "TABEL"; post-migrate hook: unlock failed`
	if err.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected MigrationError to unwrap to the step error")
	}

	preErr := &MigrationError{Stage: StagePreMigrate, Direction: DirectionDown, Err: errors.New("denied")}
	expectedMsg = "tenantdb: migration down failed at pre-migrate after 0 step(s): denied"
	if preErr.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, preErr.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("pool config", "max_connections", "must be at least 1", nil)
	expectedMsg := "tenantdb: invalid pool config: max_connections (must be at least 1)"
	if err.Error() != expectedMsg {
		t.Errorf("Expected message '%s', got '%s'", expectedMsg, err.Error())
	}

	cause := errors.New("bad duration")
	err = NewValidationError("pool config", "wait_timeout", "invalid duration", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected ValidationError to unwrap to its cause")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
		{"no rows", pgx.ErrNoRows, false},
		{"tx closed", pgx.ErrTxClosed, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"conn closed", errors.New("conn closed"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.expected {
				t.Errorf("Expected %t, got %t", tt.expected, got)
			}
		})
	}
}
