package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nhalm/tenantdb"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect the embedded tenant schema",
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), v, func(ctx context.Context, pool *tenantdb.Pool) error {
				n, err := pool.ApplyDefaultMigrations(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return err
			})
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), v, func(ctx context.Context, pool *tenantdb.Pool) error {
				n, err := pool.RollbackDefaultMigrations(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", n)
				return err
			})
		},
	})

	var asJSON bool
	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), v, func(ctx context.Context, pool *tenantdb.Pool) error {
				records, err := pool.MigrationStatus(ctx, tenantdb.DefaultMigrations())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, records)
				}
				return writeStatusTable(cmd, records)
			})
		},
	}
	status.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	migrate.AddCommand(status)

	return migrate
}

func writeStatusTable(cmd *cobra.Command, records []tenantdb.MigrationRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tSOURCE")
	for _, r := range records {
		state, appliedAt := "pending", "-"
		if r.Applied {
			state = "applied"
			appliedAt = r.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Version, state, appliedAt, r.Path)
	}
	return w.Flush()
}
