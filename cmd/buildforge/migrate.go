package main

import (
	"errors"
	"fmt"
	"strconv"

	"buildforge/internal/config"
	"buildforge/internal/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or roll back the embedded, versioned SQL migrations.
SQLite databases are migrated automatically by serve.`,
}

func init() {
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *db.MigrationRunner) error { return r.Up() })
			},
		},
		&cobra.Command{
			Use:   "down [N]",
			Short: "Roll back the last N migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n := 1
				if len(args) == 1 {
					v, err := strconv.Atoi(args[0])
					if err != nil || v < 1 {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					n = v
				}
				return withRunner(func(r *db.MigrationRunner) error { return r.Down(n) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *db.MigrationRunner) error {
					st, err := r.Version()
					if err != nil {
						return err
					}
					if !st.Applied {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", st.Version, st.Dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force N",
			Short: "Set the version without running migrations (fixes a dirty state)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return withRunner(func(r *db.MigrationRunner) error { return r.Force(v) })
			},
		},
	)
	rootCmd.AddCommand(migrateCmd)
}

func withRunner(fn func(r *db.MigrationRunner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != db.DriverPostgres {
		return errors.New("migrate only manages postgres; sqlite is migrated by serve")
	}
	runner, err := db.NewMigrationRunner(cfg.Database.URL())
	if err != nil {
		return err
	}
	defer runner.Close()
	return fn(runner)
}
