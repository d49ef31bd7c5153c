package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/shipper/internal/database"
	"github.com/jmylchreest/shipper/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Schema migration commands",
	Long: `Inspect and change the database schema. serve applies pending
migrations on startup, so these are only needed for inspection and rollback.`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator) error {
		plan, err := m.Plan(cmd.Context())
		if err != nil {
			return err
		}
		return printPlan(cmd.OutOrStdout(), plan)
	}),
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator) error {
		ran, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", ran)
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back applied migrations, newest first",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		undone, err := m.Rollback(cmd.Context(), steps)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", undone)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd, migrateDownCmd)
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
}

// withMigrator opens the configured database for the duration of fn.
func withMigrator(fn func(*cobra.Command, *migrations.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := database.New(cfg.Database, slog.Default())
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()

		m, err := db.SchemaMigrator()
		if err != nil {
			return err
		}
		return fn(cmd, m)
	}
}

func printPlan(out io.Writer, plan []migrations.Step) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, s := range plan {
		applied := "pending"
		if s.Applied() {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	return tw.Flush()
}
