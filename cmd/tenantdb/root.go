package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nhalm/tenantdb"
)

const shutdownTimeout = 10 * time.Second

// flagKeys maps command-line flags to viper keys. The keys match the YAML
// config field names so env, file and flag spellings line up.
var flagKeys = map[string]string{
	"database-url":     "database_url",
	"config":           "config",
	"profile":          "profile",
	"max-connections":  "max_connections",
	"wait-timeout":     "wait_timeout",
	"create-timeout":   "create_timeout",
	"recycle-timeout":  "recycle_timeout",
	"recycling-method": "recycling_method",
	"log-level":        "log_level",
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TENANTDB")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "tenantdb",
		Short: "Manage the tenant database schema and connection pool",
		Long: `tenantdb applies and rolls back the embedded tenant schema through a
managed connection pool, and reports pool health.

Pool settings come from a profile, optionally overridden by a YAML config
file, TENANTDB_* environment variables and flags, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("database-url", "", "PostgreSQL connection string (default: built from POSTGRES_* variables)")
	flags.String("config", "", "Path to a YAML pool config file")
	flags.String("profile", "multiple", "Pool sizing profile: single or multiple")
	flags.Int("max-connections", 0, "Maximum pool size, overrides the profile")
	flags.Duration("wait-timeout", 0, "How long to wait for a free connection (0 fails at once)")
	flags.Duration("create-timeout", 0, "Budget for opening a connection")
	flags.Duration("recycle-timeout", 0, "Budget for validating and recycling a connection")
	flags.String("recycling-method", "verified", "Pre-use validation: verified or fast")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, none)")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	root.AddCommand(newMigrateCommand(v), newStatusCommand(v))
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// poolConfig builds the pool config: profile preset, then the config file,
// then any flag or environment value that was set explicitly.
func poolConfig(v *viper.Viper) (tenantdb.PoolConfig, error) {
	var cfg tenantdb.PoolConfig
	switch profile := v.GetString("profile"); profile {
	case "single":
		cfg = tenantdb.SingleGatewayConfig()
	case "", "multiple":
		cfg = tenantdb.MultipleGatewaysConfig()
	default:
		return cfg, fmt.Errorf("unknown profile %q (want single or multiple)", profile)
	}

	if path := v.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		file, err := tenantdb.ParsePoolConfig(data)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg = overlay(cfg, file)
	}

	if v.IsSet("max_connections") {
		cfg = cfg.WithMaxConnections(v.GetInt("max_connections"))
	}
	if v.IsSet("wait_timeout") {
		cfg = cfg.WithWaitTimeout(v.GetDuration("wait_timeout"))
	}
	if v.IsSet("create_timeout") {
		cfg = cfg.WithCreateTimeout(v.GetDuration("create_timeout"))
	}
	if v.IsSet("recycle_timeout") {
		cfg = cfg.WithRecycleTimeout(v.GetDuration("recycle_timeout"))
	}
	if v.IsSet("recycling_method") {
		method, err := tenantdb.ParseRecyclingMethod(v.GetString("recycling_method"))
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithRecyclingMethod(method)
	}

	if cfg.RecyclingMethod == tenantdb.RecyclingCustom {
		return cfg, fmt.Errorf("recycling method custom needs a predicate and is not available from the command line")
	}
	return cfg, cfg.Validate()
}

// overlay copies every field set in file over base.
func overlay(base, file tenantdb.PoolConfig) tenantdb.PoolConfig {
	if file.MaxConnections != nil {
		base = base.WithMaxConnections(*file.MaxConnections)
	}
	if file.CreateTimeout != nil {
		base = base.WithCreateTimeout(*file.CreateTimeout)
	}
	if file.WaitTimeout != nil {
		base = base.WithWaitTimeout(*file.WaitTimeout)
	}
	if file.RecycleTimeout != nil {
		base = base.WithRecycleTimeout(*file.RecycleTimeout)
	}
	return base.WithRecyclingMethod(file.RecyclingMethod)
}

// withPool opens a pool from the command configuration, runs fn and shuts
// the pool down.
func withPool(ctx context.Context, v *viper.Viper, fn func(context.Context, *tenantdb.Pool) error) error {
	level, err := tenantdb.ParseLogLevel(v.GetString("log_level"))
	if err != nil {
		return err
	}
	cfg, err := poolConfig(v)
	if err != nil {
		return err
	}

	logger := tenantdb.NewDefaultLogger(level)
	defer func() { _ = logger.Sync() }()

	pool, err := tenantdb.New(v.GetString("database_url"), cfg,
		tenantdb.WithLogger(logger),
		tenantdb.WithHooks(tenantdb.CombineHooks(
			tenantdb.DefaultHooks{Logger: logger},
			tenantdb.RuntimeParamsHooks(map[string]string{"application_name": "tenantdb"}),
		)),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Log(shutdownCtx, tenantdb.LogLevelWarn, "pool shutdown did not finish", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return fn(ctx, pool)
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check connectivity and print a pool snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), v, func(ctx context.Context, pool *tenantdb.Pool) error {
				if err := pool.HealthCheck(ctx); err != nil {
					return fmt.Errorf("health check failed: %w", err)
				}
				return writeJSON(cmd, pool.DebugSnapshot())
			})
		},
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
