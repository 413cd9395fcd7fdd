// Command tenantdb applies the embedded tenant schema and reports pool health.
//
// Usage:
//
//	tenantdb --database-url postgres://app@db/tenants migrate up
//	tenantdb --profile single --wait-timeout 2s status
//
// Every flag can also be set through a TENANTDB_ environment variable,
// e.g. TENANTDB_DATABASE_URL or TENANTDB_MAX_CONNECTIONS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
