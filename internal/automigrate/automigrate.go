// Package automigrate runs pending database migrations on startup.
package automigrate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const dirtyColumnSQL = `SELECT EXISTS (
	SELECT 1 FROM information_schema.columns
	WHERE table_name = 'schema_migrations' AND column_name = 'dirty'
)`

type migration struct {
	name    string
	version int
}

// Run applies all pending up migrations from the given directory.
func Run(db *sql.DB, migrationsDir string) error {
	// INTEGER version matches the table golang-migrate creates.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(migrationsDir, applied)
	if err != nil {
		return err
	}

	// A table created by cmd/migrate carries a NOT NULL dirty column.
	var hasDirty bool
	if err := db.QueryRow(dirtyColumnSQL).Scan(&hasDirty); err != nil {
		return fmt.Errorf("inspect schema_migrations: %w", err)
	}
	recordSQL := "INSERT INTO schema_migrations (version) VALUES ($1)"
	if hasDirty {
		recordSQL = "INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)"
	}

	if len(pending) == 0 {
		log.WithField("applied", len(applied)).Info("database schema up to date")
		return nil
	}

	log.WithField("pending", len(pending)).Info("applying database migrations")
	for _, m := range pending {
		path := filepath.Join(migrationsDir, m.name)
		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.name, err)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			errStr := err.Error()
			if strings.Contains(errStr, "already exists") || strings.Contains(errStr, "duplicate key") {
				log.WithField("migration", m.name).Warn("migration already applied, recording version")
				if _, err := db.Exec(recordSQL+" ON CONFLICT DO NOTHING", m.version); err != nil {
					return fmt.Errorf("record %s: %w", m.name, err)
				}
				continue
			}
			return fmt.Errorf("apply %s: %w", m.name, err)
		}

		if _, err := tx.Exec(recordSQL, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.name, err)
		}

		log.WithField("migration", m.name).Info("migration applied")
	}

	log.WithFields(log.Fields{
		"new":   len(pending),
		"total": len(applied) + len(pending),
	}).Info("all migrations applied")
	return nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return applied, nil
}

func pendingMigrations(migrationsDir string, applied map[int]bool) ([]migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []migration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// Numeric prefix, e.g. "002" from "002_create_comments.up.sql".
		prefix, _, _ := strings.Cut(name, "_")
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if !applied[ver] {
			pending = append(pending, migration{name: name, version: ver})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}
