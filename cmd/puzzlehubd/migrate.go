// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/puzzlehub/puzzlehub/internal/store"
)

// migrator is the subset of *store.Migrator the migrate subcommands drive,
// narrowed so tests can substitute a mock.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() error
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
}

// NewMigrateCmd creates the migrate subcommand tree. Running `migrate` with
// no further subcommand applies all pending migrations (migrate up).
func NewMigrateCmd() *cobra.Command {
	var dryRun bool
	var all bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error {
				if dryRun {
					return runMigrateUpDryRun(cmd.OutOrStdout(), m)
				}
				return runMigrateUpLogic(cmd.OutOrStdout(), m)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show which migrations would run without applying them")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error {
				if dryRun {
					return runMigrateUpDryRun(cmd.OutOrStdout(), m)
				}
				return runMigrateUpLogic(cmd.OutOrStdout(), m)
			})
		},
	}
	up.Flags().BoolVar(&dryRun, "dry-run", false, "show which migrations would run without applying them")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back one migration (or all, with --all)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error {
				if dryRun {
					return runMigrateDownDryRun(cmd.OutOrStdout(), m, all)
				}
				return runMigrateDownLogic(cmd.OutOrStdout(), m, all)
			})
		},
	}
	down.Flags().BoolVar(&all, "all", false, "roll back every applied migration, not just the latest")
	down.Flags().BoolVar(&dryRun, "dry-run", false, "show which migration(s) would roll back without applying it")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version and dirty state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error {
				return runMigrateStatusLogic(cmd.OutOrStdout(), m)
			})
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error {
				return runMigrateVersionLogic(cmd.OutOrStdout(), m)
			})
		},
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Force the schema version without running migrations (clears dirty state)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m migrator) error {
				return runMigrateForceLogic(cmd.OutOrStdout(), m, v)
			})
		},
	}

	cmd.AddCommand(up, down, status, version, force)
	return cmd
}

// withMigrator connects to the database named by DATABASE_URL, builds a
// *store.Migrator, runs fn, and always closes it.
func withMigrator(cmd *cobra.Command, fn func(migrator) error) error {
	databaseURL, err := getDatabaseURL()
	if err != nil {
		return err
	}
	m, err := store.NewMigrator(databaseURL)
	if err != nil {
		return oops.Code("MIGRATOR_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer m.Close()
	_ = cmd
	return fn(m)
}

func getDatabaseURL() (string, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return "", oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}
	return url, nil
}

func parseForceVersion(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", raw).Wrap(err)
	}
	if v < 0 {
		return 0, oops.Code("INVALID_VERSION").With("input", raw).Errorf("version must not be negative")
	}
	return v, nil
}

func runMigrateUpLogic(w io.Writer, m migrator) error {
	before, _, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}

	if err := m.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "migrate up").Wrap(err)
	}

	after, _, err := m.Version()
	if err != nil {
		fmt.Fprintf(w, "Warning: migrations applied but could not verify resulting version: %v\n", err)
		fmt.Fprintln(w, "Check status with 'migrate status'")
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}

	if after == before {
		fmt.Fprintf(w, "Already at latest version: %d\n", after)
		return nil
	}
	fmt.Fprintf(w, "Migrated from version %d to %d\n", before, after)
	return nil
}

func runMigrateDownLogic(w io.Writer, m migrator, all bool) error {
	before, _, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	if before == 0 {
		fmt.Fprintln(w, "Already at version 0, no migrations to roll back")
		if err := m.Down(); err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "migrate down").Wrap(err)
		}
		return nil
	}

	if all {
		if err := m.Down(); err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "migrate down").Wrap(err)
		}
	} else if err := m.Steps(-1); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "migrate down one step").Wrap(err)
	}

	after, _, err := m.Version()
	if err != nil {
		fmt.Fprintf(w, "Warning: rollback applied but could not verify resulting version: %v\n", err)
		fmt.Fprintln(w, "Check status with 'migrate status'")
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	fmt.Fprintf(w, "Rolled back from version %d to %d\n", before, after)
	return nil
}

func runMigrateStatusLogic(w io.Writer, m migrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	fmt.Fprintf(w, "Current version: %d\n", v)
	if dirty {
		fmt.Fprintln(w, "Status: DIRTY - manual intervention required")
		fmt.Fprintln(w, "Run 'migrate force VERSION' once the schema is confirmed consistent")
		return nil
	}
	fmt.Fprintln(w, "Status: OK")
	return nil
}

func runMigrateVersionLogic(w io.Writer, m migrator) error {
	v, _, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	fmt.Fprintf(w, "%d\n", v)
	return nil
}

func runMigrateForceLogic(w io.Writer, m migrator, version int) error {
	fmt.Fprintf(w, "Forcing version to %d...\n", version)
	if err := m.Force(version); err != nil {
		return oops.Code("MIGRATION_FORCE_FAILED").With("operation", "force version").Wrap(err)
	}
	fmt.Fprintln(w, "Version forced successfully")
	return nil
}

func runMigrateUpDryRun(w io.Writer, m migrator) error {
	v, _, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	pending, err := m.PendingMigrations()
	if err != nil {
		return oops.Code("MIGRATION_LIST_FAILED").With("operation", "list pending migrations").Wrap(err)
	}
	if len(pending) == 0 {
		fmt.Fprintf(w, "Already at latest version: %d\n", v)
		fmt.Fprintln(w, "No migrations would be applied")
		return nil
	}
	fmt.Fprintln(w, "Dry run - the following migrations would be applied:")
	for _, p := range pending {
		fmt.Fprintf(w, "  %s\n", migrationLabel(p))
	}
	fmt.Fprintf(w, "Current version: %d\n", v)
	fmt.Fprintf(w, "Target version: %d\n", pending[len(pending)-1])
	return nil
}

func runMigrateDownDryRun(w io.Writer, m migrator, all bool) error {
	v, _, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_VERSION_CHECK_FAILED").With("operation", "get version").Wrap(err)
	}
	if v == 0 {
		fmt.Fprintln(w, "Already at version 0, no migrations to roll back")
		return nil
	}
	applied, err := m.AppliedMigrations()
	if err != nil {
		return oops.Code("MIGRATION_LIST_FAILED").With("operation", "list applied migrations").Wrap(err)
	}

	if all {
		fmt.Fprintln(w, "Dry run - the following migrations would be rolled back:")
		for i := len(applied) - 1; i >= 0; i-- {
			fmt.Fprintf(w, "  %s\n", migrationLabel(applied[i]))
		}
		fmt.Fprintf(w, "Current version: %d\n", v)
		fmt.Fprintln(w, "Target version: 0")
		return nil
	}

	last := applied[len(applied)-1]
	var target uint
	if len(applied) > 1 {
		target = applied[len(applied)-2]
	}
	fmt.Fprintln(w, "Dry run - the following migration would be rolled back:")
	fmt.Fprintf(w, "  %s\n", migrationLabel(last))
	fmt.Fprintf(w, "Current version: %d\n", v)
	fmt.Fprintf(w, "Target version: %d\n", target)
	return nil
}

func migrationLabel(version uint) string {
	name, err := store.MigrationName(version)
	if err != nil || name == "" {
		return fmt.Sprintf("version %d", version)
	}
	return name
}
