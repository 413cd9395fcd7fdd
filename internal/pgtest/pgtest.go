// Package pgtest provides PostgreSQL databases for integration tests.
//
// DSN resolves a database in this order: TEST_DATABASE_URL when set,
// otherwise a throwaway testcontainers PostgreSQL. Tests are skipped in
// -short mode or when no container runtime is available.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Image is the PostgreSQL image started when TEST_DATABASE_URL is unset.
const Image = "postgres:15-alpine"

// DSN returns a connection string for an empty test database. A database
// started here is terminated when t finishes; one given by TEST_DATABASE_URL
// is reset to an empty public schema instead.
func DSN(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		Reset(t, dsn)
		return dsn
	}
	if testing.Short() {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		Image,
		postgres.WithDatabase("tenantdb"),
		postgres.WithUsername("tenantdb"),
		postgres.WithPassword("tenantdb"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get container connection string: %v", err)
	}
	return dsn
}

// Reset drops everything in the public schema of dsn, including the goose
// version table.
func Reset(t *testing.T, dsn string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	defer conn.Close(ctx)

	statements := []string{
		"DROP SCHEMA IF EXISTS public CASCADE",
		"CREATE SCHEMA public",
	}
	for _, sql := range statements {
		if _, err := conn.Exec(ctx, sql); err != nil {
			t.Fatalf("failed to reset test database with SQL '%s': %v", sql, err)
		}
	}
}

// Exec runs cleanup statements against dsn, logging failures.
func Exec(t *testing.T, dsn string, statements ...string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Logf("Warning: failed to connect to test database: %v", err)
		return
	}
	defer conn.Close(ctx)

	for _, sql := range statements {
		if _, err := conn.Exec(ctx, sql); err != nil {
			t.Logf("Warning: failed to run SQL '%s': %v", sql, err)
		}
	}
}
