package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/orca/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBMemory   DBDriver = "memory"
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported db driver")
	// ErrMigrationDrift reports an applied migration whose embedded SQL no
	// longer matches the checksum recorded when it ran.
	ErrMigrationDrift = errors.New("applied migration changed")
)

type migration struct {
	version  string
	checksum string
	sql      string
}

type dialect struct {
	dir         string
	createTable string
	selectSums  string
	insert      string
	stamp       func(time.Time) any
}

func dialectFor(driver DBDriver) (dialect, error) {
	switch driver {
	case DBSQLite:
		return dialect{
			dir: "migrations/sqlite",
			createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
			selectSums: `SELECT version, checksum FROM schema_migrations`,
			insert:     `INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(?, ?, ?) ON CONFLICT(version) DO NOTHING`,
			stamp:      func(t time.Time) any { return t.Format(time.RFC3339) },
		}, nil
	case DBPostgres:
		return dialect{
			dir: "migrations/postgres",
			createTable: `CREATE TABLE IF NOT EXISTS orca_schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`,
			selectSums: `SELECT version, checksum FROM orca_schema_migrations`,
			insert:     `INSERT INTO orca_schema_migrations(version, checksum, applied_at) VALUES($1, $2, $3) ON CONFLICT(version) DO NOTHING`,
			stamp:      func(t time.Time) any { return t },
		}, nil
	default:
		return dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// Migrate applies the embedded migrations for driver in version order. Each
// applied version is recorded with the digest of its SQL; a recorded digest
// that no longer matches fails with ErrMigrationDrift before anything newer
// runs.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.createTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	migrations, err := loadMigrations(d.dir)
	if err != nil {
		return err
	}
	applied, err := appliedChecksums(db, d)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("%w: %s recorded %s, embedded %s", ErrMigrationDrift, m.version, sum, m.checksum)
			}
			continue
		}
		if err := applyMigration(db, d, m, now); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d dialect, m migration, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	res, err := tx.Exec(d.insert, m.version, m.checksum, d.stamp(now))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	// Another migrator got there first.
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func appliedChecksums(db *sql.DB, d dialect) (map[string]string, error) {
	rows, err := db.Query(d.selectSums)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		out[version] = sum
	}
	return out, rows.Err()
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		contents, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{
			version:  strings.TrimSuffix(e.Name(), ".sql"),
			checksum: crypto.DigestWithPrefix(contents),
			sql:      string(contents),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
