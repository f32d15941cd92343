// Package sqlite - forward-only schema migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/redblackgraph/fscrawl/internal/storage"
)

// migration is a single forward-only schema change. Migrations run in order
// during Open; the count applied so far is recorded under the
// schema_version metadata key, so old databases are upgraded in place and
// new databases get everything.
type migration struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

var migrationsList = []migration{
	{"resolution_log_table", migrateResolutionLogTable},
	{"run_status_default", migrateRunStatusDefault},
}

func migrateResolutionLogTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS RESOLUTION_LOG (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			duration REAL NOT NULL,
			relationships INTEGER NOT NULL,
			completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func migrateRunStatusDefault(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO JOB_METADATA (key, value) VALUES (?, ?)
	`, storage.MetaRunStatus, "idle")
	return err
}

// runMigrations applies every migration past the recorded schema version.
// The version read, the migration bodies, and the version bump all happen in
// one transaction, so a crash mid-upgrade leaves the database at the old
// version.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM JOB_METADATA WHERE key = ?`, storage.MetaSchemaVersion).Scan(&raw)
		applied := 0
		switch {
		case err == sql.ErrNoRows:
			// fresh database
		case err != nil:
			return fmt.Errorf("read schema version: %w", err)
		default:
			applied, err = strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%w: malformed schema_version %q", storage.ErrIntegrity, raw)
			}
		}

		if applied > len(migrationsList) {
			return fmt.Errorf("%w: database schema version %d is newer than this binary supports (%d)",
				storage.ErrIntegrity, applied, len(migrationsList))
		}

		for i := applied; i < len(migrationsList); i++ {
			m := migrationsList[i]
			if err := m.fn(ctx, tx); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO JOB_METADATA (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, storage.MetaSchemaVersion, strconv.Itoa(len(migrationsList)))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
