package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhalm/tenantdb/migrations"
)

// Direction is the direction of a migration run.
type Direction int

const (
	DirectionUp Direction = iota
	DirectionDown
)

// String returns the string representation of the direction
func (d Direction) String() string {
	if d == DirectionDown {
		return "down"
	}
	return "up"
}

// MigrationSource is an ordered, versioned set of schema changes. FS holds
// goose SQL files ("00001_accounts.sql" with -- +goose Up / Down sections);
// GoMigrations adds programmatic steps. TableName overrides the version
// table, goose_db_version by default.
type MigrationSource struct {
	FS           fs.FS
	GoMigrations []*goose.Migration
	TableName    string
}

// DefaultMigrations returns the migration source embedded in the binary.
func DefaultMigrations() MigrationSource {
	return MigrationSource{FS: migrations.FS}
}

// MigrationState is a state of one migration run. A run that reaches
// Executing always passes through PostHook and Released, whether it failed
// or not.
type MigrationState int

const (
	MigrationIdle MigrationState = iota
	MigrationAcquiring
	MigrationPreHook
	MigrationExecuting
	MigrationFailed
	MigrationCompleted
	MigrationPostHook
	MigrationReleased
)

// String returns the string representation of the state
func (s MigrationState) String() string {
	switch s {
	case MigrationIdle:
		return "idle"
	case MigrationAcquiring:
		return "acquiring"
	case MigrationPreHook:
		return "pre_hook"
	case MigrationExecuting:
		return "executing"
	case MigrationFailed:
		return "failed"
	case MigrationCompleted:
		return "completed"
	case MigrationPostHook:
		return "post_hook"
	case MigrationReleased:
		return "released"
	default:
		return "unknown"
	}
}

// MigrationRecord describes one version of a migration source and whether
// it is applied.
type MigrationRecord struct {
	Version   int64     `json:"version"`
	Path      string    `json:"path"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
}

// migrator is the part of *goose.Provider the bridge drives.
type migrator interface {
	UpByOne(ctx context.Context) (*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

type migratorFactory func(db *sql.DB, src MigrationSource, logger goose.Logger) (migrator, error)

func newGooseMigrator(db *sql.DB, src MigrationSource, logger goose.Logger) (migrator, error) {
	opts := []goose.ProviderOption{
		goose.WithDisableGlobalRegistry(true),
		goose.WithLogger(logger),
		goose.WithVerbose(true),
	}
	if len(src.GoMigrations) > 0 {
		opts = append(opts, goose.WithGoMigrations(src.GoMigrations...))
	}
	if src.TableName != "" {
		opts = append(opts, goose.WithTableName(src.TableName))
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, src.FS, opts...)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// ApplyMigrations applies every pending step of src, in version order, and
// returns how many were applied. Already-applied versions are skipped, so a
// second call returns 0.
//
// Each step runs in its own transaction. The run stops at the first failing
// step and returns a *MigrationError whose Applied field counts the steps
// that succeeded; a later call resumes at the failed step. Canceling ctx
// stops the run before the next step, never in the middle of one.
//
// The run holds one pooled connection for its whole duration and brackets
// the steps with the PreMigrate and PostMigrate hooks. Callers must not run
// two migrations against the same database at once.
func (p *Pool) ApplyMigrations(ctx context.Context, src MigrationSource) (int, error) {
	return p.runMigrations(ctx, src, DirectionUp)
}

// RollbackMigrations reverts every applied step of src, newest first, and
// returns how many were reverted. It follows the same rules as ApplyMigrations.
func (p *Pool) RollbackMigrations(ctx context.Context, src MigrationSource) (int, error) {
	return p.runMigrations(ctx, src, DirectionDown)
}

// ApplyDefaultMigrations applies the embedded migration source.
//
// Example:
//
//	if _, err := pool.ApplyDefaultMigrations(ctx); err != nil {
//	    log.Fatalf("schema migration failed: %v", err)
//	}
func (p *Pool) ApplyDefaultMigrations(ctx context.Context) (int, error) {
	return p.ApplyMigrations(ctx, DefaultMigrations())
}

// RollbackDefaultMigrations reverts the embedded migration source.
func (p *Pool) RollbackDefaultMigrations(ctx context.Context) (int, error) {
	return p.RollbackMigrations(ctx, DefaultMigrations())
}

type migrationOutcome struct {
	applied int
	version int64
	err     error
}

// migrationRun reports state transitions of one run to the log and the span.
type migrationRun struct {
	logger    Logger
	span      trace.Span
	direction Direction
}

func (r *migrationRun) enter(ctx context.Context, state MigrationState) {
	r.span.AddEvent(state.String())
	r.logger.Log(ctx, LogLevelTrace, "migration state changed", map[string]interface{}{
		"target":    "migrations",
		"direction": r.direction.String(),
		"state":     state.String(),
	})
}

func (p *Pool) runMigrations(ctx context.Context, src MigrationSource, dir Direction) (applied int, err error) {
	if src.FS == nil && len(src.GoMigrations) == 0 {
		return 0, NewValidationError("migration source", "fs", "no migrations given", nil)
	}

	ctx, span := p.tracer.Start(ctx, "tenantdb.migrate", trace.WithAttributes(
		attribute.String("tenantdb.direction", dir.String()),
	))
	defer func() {
		span.SetAttributes(attribute.Int("tenantdb.applied", applied))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	run := &migrationRun{logger: p.logger, span: span, direction: dir}
	run.enter(ctx, MigrationAcquiring)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		conn.Release()
		run.enter(ctx, MigrationReleased)
	}()

	run.enter(ctx, MigrationPreHook)
	if err := p.hooks.PreMigrate(ctx, conn); err != nil {
		return 0, &MigrationError{Stage: StagePreMigrate, Direction: dir, Err: err}
	}

	run.enter(ctx, MigrationExecuting)
	out, err := runBlocking(ctx, p.blocking, func() migrationOutcome {
		return p.executeMigrations(ctx, conn, src, dir)
	})
	if err != nil {
		out = migrationOutcome{err: err}
	}
	if out.err != nil {
		run.enter(ctx, MigrationFailed)
	} else {
		run.enter(ctx, MigrationCompleted)
	}
	p.metrics.recordMigrationSteps(ctx, dir, out.applied)

	run.enter(ctx, MigrationPostHook)
	hookErr := p.hooks.PostMigrate(context.WithoutCancel(ctx), conn)

	if out.err != nil {
		if hookErr != nil {
			p.logger.Log(ctx, LogLevelWarn, "post-migrate hook failed after migration failure", map[string]interface{}{
				"direction": dir.String(),
				"error":     hookErr.Error(),
			})
		}
		p.logger.Log(ctx, LogLevelError, "migration failed", map[string]interface{}{
			"direction": dir.String(),
			"applied":   out.applied,
			"version":   out.version,
			"error":     out.err.Error(),
		})
		return out.applied, &MigrationError{
			Stage:     StageExecute,
			Direction: dir,
			Applied:   out.applied,
			Version:   out.version,
			Err:       out.err,
			HookErr:   hookErr,
		}
	}
	if hookErr != nil {
		return out.applied, &MigrationError{Stage: StagePostMigrate, Direction: dir, Applied: out.applied, Err: hookErr}
	}

	p.logger.Log(ctx, LogLevelInfo, "migrations finished", map[string]interface{}{
		"direction": dir.String(),
		"applied":   out.applied,
	})
	return out.applied, nil
}

// executeMigrations runs on a blocking worker. It steps through src one
// version at a time so it can count steps and stop between them.
func (p *Pool) executeMigrations(ctx context.Context, conn *Conn, src MigrationSource, dir Direction) migrationOutcome {
	db := openPinnedDB(conn.cr.backend)
	defer db.Close()

	m, err := p.newMigrator(db, src, &gooseLogger{ctx: ctx, logger: p.logger})
	if errors.Is(err, goose.ErrNoMigrations) {
		return migrationOutcome{}
	}
	if err != nil {
		return migrationOutcome{err: fmt.Errorf("failed to load migrations: %w", err)}
	}

	// A started step always runs to completion.
	stepCtx := context.WithoutCancel(ctx)

	var out migrationOutcome
	for {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}

		var res *goose.MigrationResult
		if dir == DirectionUp {
			res, err = m.UpByOne(stepCtx)
		} else {
			res, err = m.Down(stepCtx)
		}
		if errors.Is(err, goose.ErrNoNextVersion) {
			return out
		}
		if err != nil {
			out.err = err
			var partial *goose.PartialError
			if errors.As(err, &partial) && partial.Failed != nil && partial.Failed.Source != nil {
				out.version = partial.Failed.Source.Version
			}
			if isConnectionError(err) {
				conn.MarkBroken()
			}
			return out
		}

		out.applied++
		if res != nil && res.Source != nil {
			p.logger.Log(ctx, LogLevelDebug, "migration step finished", map[string]interface{}{
				"target":    "migrations",
				"direction": dir.String(),
				"version":   res.Source.Version,
				"duration":  res.Duration.String(),
			})
		}
	}
}

// MigrationStatus lists every version of src and whether it is applied.
func (p *Pool) MigrationStatus(ctx context.Context, src MigrationSource) ([]MigrationRecord, error) {
	if src.FS == nil && len(src.GoMigrations) == 0 {
		return nil, NewValidationError("migration source", "fs", "no migrations given", nil)
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	type statusResult struct {
		records []MigrationRecord
		err     error
	}
	res, err := runBlocking(ctx, p.blocking, func() statusResult {
		db := openPinnedDB(conn.cr.backend)
		defer db.Close()

		m, err := p.newMigrator(db, src, &gooseLogger{ctx: ctx, logger: p.logger})
		if errors.Is(err, goose.ErrNoMigrations) {
			return statusResult{}
		}
		if err != nil {
			return statusResult{err: fmt.Errorf("failed to load migrations: %w", err)}
		}
		statuses, err := m.Status(ctx)
		if err != nil {
			return statusResult{err: err}
		}
		records := make([]MigrationRecord, 0, len(statuses))
		for _, s := range statuses {
			if s == nil || s.Source == nil {
				continue
			}
			records = append(records, MigrationRecord{
				Version:   s.Source.Version,
				Path:      s.Source.Path,
				Applied:   s.State == goose.StateApplied,
				AppliedAt: s.AppliedAt,
			})
		}
		return statusResult{records: records}
	})
	if err != nil {
		return nil, err
	}
	return res.records, res.err
}

// HasPendingMigrations reports whether src has versions that are not applied.
func (p *Pool) HasPendingMigrations(ctx context.Context, src MigrationSource) (bool, error) {
	records, err := p.MigrationStatus(ctx, src)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if !r.Applied {
			return true, nil
		}
	}
	return false, nil
}
