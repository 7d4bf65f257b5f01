package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the version a fully migrated database reports.
const schemaVersion = 3

// migration is one schema step. Statements must be safe to re-run, so a
// database that crashed between applying a step and recording it recovers.
type migration struct {
	version     int
	description string
	statements  []string
	columns     []column // added with ALTER TABLE only when missing
}

type column struct {
	table, name, decl string
}

var migrations = []migration{
	{
		version:     1,
		description: "students and query log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS students (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				roll_no       TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				name          TEXT NOT NULL,
				department    TEXT DEFAULT '',
				branch        TEXT DEFAULT '',
				semester      TEXT DEFAULT '',
				created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS query_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				student_id  INTEGER NOT NULL,
				question    TEXT NOT NULL,
				route       TEXT NOT NULL,
				sources     TEXT DEFAULT '',
				latency_ms  INTEGER DEFAULT 0,
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_query_log_time ON query_log(created_at)`,
		},
	},
	{
		version:     2,
		description: "classification reason on query log",
		columns:     []column{{"query_log", "reason", "TEXT DEFAULT ''"}},
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_query_log_student ON query_log(student_id, created_at)`,
		},
	},
	{
		version:     3,
		description: "telegram chat links",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS telegram_links (
				chat_id     INTEGER PRIMARY KEY,
				student_id  INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
				linked_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
				expires_at  DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_telegram_links_student ON telegram_links(student_id)`,
		},
	},
}

// RunMigrations brings db up to schemaVersion. Each step runs in its own
// transaction together with its schema_version row.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
		}
		logger.Info("migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range m.columns {
		exists, err := columnExists(tx, c.table, c.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.decl)); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.table, c.name, err)
		}
	}
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.version, m.description,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, table, name string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			col, typ   string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSchemaVersion returns the applied schema version, 0 for a new database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
