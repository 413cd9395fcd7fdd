package tenantdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Backend is the subset of *pgx.Conn the pool and the migration bridge use.
// *pgx.Conn satisfies it, as do test doubles such as pgxmock connections.
type Backend interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// closedReporter is implemented by backends that track their own liveness.
type closedReporter interface {
	IsClosed() bool
}

// Connector opens one live backend session. The pool calls it from several
// goroutines at once when under contention, so implementations must not keep
// shared mutable state across calls. config is a private copy that the setup
// hook has already adjusted.
type Connector interface {
	Connect(ctx context.Context, config *pgx.ConnConfig) (Backend, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, config *pgx.ConnConfig) (Backend, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, config *pgx.ConnConfig) (Backend, error) {
	return f(ctx, config)
}

// PgxConnector is the default Connector. It opens a *pgx.Conn over the
// PostgreSQL wire protocol.
type PgxConnector struct{}

// Connect implements Connector.
func (PgxConnector) Connect(ctx context.Context, config *pgx.ConnConfig) (Backend, error) {
	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// parseAddress parses addr once at pool construction. An empty address falls
// back to the POSTGRES_* environment variables.
func parseAddress(addr string) (*pgx.ConnConfig, error) {
	if addr == "" {
		addr = GetDSN()
	}
	config, err := pgx.ParseConfig(addr)
	if err != nil {
		return nil, NewValidationError("address", "dsn", "unparsable connection string", err)
	}
	return config, nil
}

// redactedAddress renders the target of config without credentials, for errors and logs.
func redactedAddress(config *pgx.ConnConfig) string {
	return fmt.Sprintf("%s:%d/%s", config.Host, config.Port, config.Database)
}
