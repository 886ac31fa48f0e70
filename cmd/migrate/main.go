// Command migrate manages the tracker's Postgres schema with golang-migrate.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

var migrationNameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type migrateOptions struct {
	databaseURL   string
	migrationsDir string
}

func newRootCmd() *cobra.Command {
	opts := &migrateOptions{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the request tracker database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (env DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.migrationsDir, "dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding NNN_name.up.sql files (env MIGRATIONS_DIR)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up [n]",
			Short: "Apply all pending migrations or the next n",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.step(args, 1)
			},
		},
		&cobra.Command{
			Use:   "down [n]",
			Short: "Roll back all migrations or the last n",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.step(args, -1)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the recorded version (clears a dirty state)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %s", args[0])
				}
				m, err := opts.migrator()
				if err != nil {
					return err
				}
				defer closeMigrator(m)
				if err := m.Force(version); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forced version to %d\n", version)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := opts.migrator()
				if err != nil {
					return err
				}
				defer closeMigrator(m)
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Version %d (dirty=%t)\n", version, dirty)
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create the next numbered up/down migration pair",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				up, down, err := createMigration(opts.migrationsDir, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s and %s\n", up, down)
				return nil
			},
		},
	)
	return root
}

func (o *migrateOptions) step(args []string, direction int) error {
	var steps int
	if len(args) == 1 {
		n, err := parseSteps(args[0])
		if err != nil {
			return err
		}
		steps = n * direction
	}

	m, err := o.migrator()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	switch {
	case steps != 0:
		err = m.Steps(steps)
	case direction > 0:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (o *migrateOptions) migrator() (*migrate.Migrate, error) {
	databaseURL := strings.TrimSpace(o.databaseURL)
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	dir, err := filepath.Abs(o.migrationsDir)
	if err != nil {
		return nil, err
	}
	return migrate.New("file://"+dir, databaseURL)
}

func createMigration(dir, rawName string) (string, string, error) {
	name := sanitizeName(rawName)
	if name == "" {
		return "", "", errors.New("migration name must include at least one alphanumeric character")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	next, err := nextVersion(dir)
	if err != nil {
		return "", "", err
	}

	base := fmt.Sprintf("%03d_%s", next, name)
	upPath := filepath.Join(dir, base+".up.sql")
	downPath := filepath.Join(dir, base+".down.sql")
	if err := writeMigrationFile(upPath, "-- migrate up\n"); err != nil {
		return "", "", err
	}
	if err := writeMigrationFile(downPath, "-- migrate down\n"); err != nil {
		return "", "", err
	}
	return upPath, downPath, nil
}

// nextVersion returns one past the highest numbered migration in dir.
func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if version > highest {
			highest = version
		}
	}
	return highest + 1, nil
}

func parseSteps(value string) (int, error) {
	steps, err := strconv.Atoi(value)
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps: %s", value)
	}
	return steps, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = migrationNameCleaner.ReplaceAllString(name, "")
	return strings.Trim(name, "_")
}

func writeMigrationFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func closeMigrator(m *migrate.Migrate) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		fmt.Fprintln(os.Stderr, "close migration source:", sourceErr)
	}
	if dbErr != nil {
		fmt.Fprintln(os.Stderr, "close database:", dbErr)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
