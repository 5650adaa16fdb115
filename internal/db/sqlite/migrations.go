// Package sqlite provides SQLite database operations for claude-mem.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration represents one schema migration step. Apply must be idempotent:
// it probes the live schema before every change, so a migration interrupted
// between apply and record (or a version table inherited from an older
// installation whose tables never existed) converges on re-run instead of
// failing.
type Migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
	// Optional migrations (FTS5 features) are recorded even when the
	// SQLite build lacks the module, so they are not retried forever.
	Optional bool
}

// Schema state probes. These run inside the migration transaction so they
// see the effects of earlier statements in the same migration.

func tableExists(tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", name,
	).Scan(&n)
	return n > 0, err
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// tableSQLContains reports whether the stored CREATE TABLE statement for a
// table contains the given fragment. Used to detect whether a rebuild
// migration already ran.
func tableSQLContains(tx *sql.Tx, table, fragment string) (bool, error) {
	var ddl sql.NullString
	err := tx.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ddl.Valid && strings.Contains(ddl.String, fragment), nil
}

func addColumnIfMissing(tx *sql.Tx, table, column, definition string) error {
	ok, err := columnExists(tx, table, column)
	if err != nil || ok {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Migrations is the ordered list of schema migrations. Numbering starts at 8:
// installations migrated from the earlier implementation carry schema_versions
// rows 1-7 whose tables this worker never used, and those rows must not
// suppress creation of the core tables.
var Migrations = []Migration{
	{
		Version: 8,
		Name:    "memory_core_tables",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS sdk_sessions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					content_session_id TEXT UNIQUE NOT NULL,
					memory_session_id TEXT UNIQUE,
					project TEXT NOT NULL,
					user_prompt TEXT,
					custom_title TEXT,
					started_at TEXT NOT NULL,
					started_at_epoch INTEGER NOT NULL,
					completed_at_epoch INTEGER,
					worker_port INTEGER,
					prompt_counter INTEGER DEFAULT 0,
					status TEXT CHECK(status IN ('active', 'completed', 'failed')) NOT NULL DEFAULT 'active'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_content_id ON sdk_sessions(content_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_memory_id ON sdk_sessions(memory_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_project ON sdk_sessions(project)`,
				`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_status ON sdk_sessions(status)`,
				`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_started ON sdk_sessions(started_at_epoch DESC)`,
				`
				CREATE TABLE IF NOT EXISTS observations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_session_id TEXT NOT NULL,
					project TEXT NOT NULL,
					type TEXT NOT NULL CHECK(type IN ('decision', 'bugfix', 'feature', 'refactor', 'discovery', 'change')),
					title TEXT,
					subtitle TEXT,
					narrative TEXT,
					facts TEXT,
					concepts TEXT,
					files_read TEXT,
					files_modified TEXT,
					prompt_number INTEGER,
					content_hash TEXT NOT NULL,
					created_at TEXT NOT NULL,
					created_at_epoch INTEGER NOT NULL,
					FOREIGN KEY(memory_session_id) REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_memory_session ON observations(memory_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_content_hash ON observations(content_hash)`,
				`
				CREATE TABLE IF NOT EXISTS session_summaries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_session_id TEXT NOT NULL,
					project TEXT NOT NULL,
					request TEXT,
					investigated TEXT,
					learned TEXT,
					completed TEXT,
					next_steps TEXT,
					notes TEXT,
					files_read TEXT,
					files_edited TEXT,
					prompt_number INTEGER,
					created_at TEXT NOT NULL,
					created_at_epoch INTEGER NOT NULL,
					FOREIGN KEY(memory_session_id) REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_memory_session ON session_summaries(memory_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_project ON session_summaries(project)`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_created ON session_summaries(created_at_epoch DESC)`,
			)
		},
	},
	{
		Version: 9,
		Name:    "user_prompts_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS user_prompts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					content_session_id TEXT NOT NULL,
					prompt_number INTEGER NOT NULL,
					prompt_text TEXT NOT NULL,
					created_at TEXT NOT NULL,
					created_at_epoch INTEGER NOT NULL,
					UNIQUE(content_session_id, prompt_number),
					FOREIGN KEY(content_session_id) REFERENCES sdk_sessions(content_session_id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS idx_user_prompts_session ON user_prompts(content_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_user_prompts_created ON user_prompts(created_at_epoch DESC)`,
			)
		},
	},
	{
		Version: 10,
		Name:    "pending_messages_queue",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS pending_messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session_db_id INTEGER NOT NULL,
					content_session_id TEXT NOT NULL,
					message_type TEXT NOT NULL CHECK(message_type IN ('observation', 'summarize')),
					status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'processed', 'failed')),
					tool_name TEXT,
					tool_input TEXT,
					tool_response TEXT,
					cwd TEXT,
					last_assistant_message TEXT,
					prompt_number INTEGER DEFAULT 0,
					retry_count INTEGER DEFAULT 0,
					created_at_epoch INTEGER NOT NULL,
					started_processing_at_epoch INTEGER,
					completed_at_epoch INTEGER,
					failed_at_epoch INTEGER,
					FOREIGN KEY(session_db_id) REFERENCES sdk_sessions(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS idx_pending_messages_claim ON pending_messages(session_db_id, status, id)`,
				`CREATE INDEX IF NOT EXISTS idx_pending_messages_status ON pending_messages(status)`,
			)
		},
	},
	{
		Version: 11,
		Name:    "discovery_tokens_columns",
		Apply: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "observations", "discovery_tokens", "INTEGER DEFAULT 0"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "session_summaries", "discovery_tokens", "INTEGER DEFAULT 0")
		},
	},
	{
		Version: 12,
		Name:    "observations_fk_update_cascade",
		// Rebuild observations and session_summaries so their FK follows
		// memory_session_id renames (the id is assigned by the provider on
		// first contact, after rows may already reference a placeholder).
		Apply: func(tx *sql.Tx) error {
			// Clear partial-rebuild leftovers from a crash before probing:
			// an orphan scratch table must not survive a rerun even when
			// the live table already has the cascade.
			if err := execAll(tx,
				`DROP TABLE IF EXISTS observations_new`,
				`DROP TABLE IF EXISTS session_summaries_new`,
			); err != nil {
				return err
			}

			rebuilt, err := tableSQLContains(tx, "observations", "ON UPDATE CASCADE")
			if err != nil {
				return err
			}
			if !rebuilt {
				if err := execAll(tx, `
					CREATE TABLE observations_new (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						memory_session_id TEXT NOT NULL,
						project TEXT NOT NULL,
						type TEXT NOT NULL CHECK(type IN ('decision', 'bugfix', 'feature', 'refactor', 'discovery', 'change')),
						title TEXT,
						subtitle TEXT,
						narrative TEXT,
						facts TEXT,
						concepts TEXT,
						files_read TEXT,
						files_modified TEXT,
						prompt_number INTEGER,
						content_hash TEXT NOT NULL,
						created_at TEXT NOT NULL,
						created_at_epoch INTEGER NOT NULL,
						discovery_tokens INTEGER DEFAULT 0,
						FOREIGN KEY(memory_session_id) REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE ON UPDATE CASCADE
					)`, `
					INSERT INTO observations_new (id, memory_session_id, project, type, title, subtitle, narrative,
						facts, concepts, files_read, files_modified, prompt_number, content_hash,
						created_at, created_at_epoch, discovery_tokens)
					SELECT id, memory_session_id, project, type, title, subtitle, narrative,
						facts, concepts, files_read, files_modified, prompt_number, content_hash,
						created_at, created_at_epoch, discovery_tokens
					FROM observations`,
					`DROP TABLE observations`,
					`ALTER TABLE observations_new RENAME TO observations`,
					`CREATE INDEX IF NOT EXISTS idx_observations_memory_session ON observations(memory_session_id)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_content_hash ON observations(content_hash)`,
				); err != nil {
					return err
				}
			}

			rebuilt, err = tableSQLContains(tx, "session_summaries", "ON UPDATE CASCADE")
			if err != nil || rebuilt {
				return err
			}
			return execAll(tx, `
				CREATE TABLE session_summaries_new (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_session_id TEXT NOT NULL,
					project TEXT NOT NULL,
					request TEXT,
					investigated TEXT,
					learned TEXT,
					completed TEXT,
					next_steps TEXT,
					notes TEXT,
					files_read TEXT,
					files_edited TEXT,
					prompt_number INTEGER,
					created_at TEXT NOT NULL,
					created_at_epoch INTEGER NOT NULL,
					discovery_tokens INTEGER DEFAULT 0,
					FOREIGN KEY(memory_session_id) REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE ON UPDATE CASCADE
				)`, `
				INSERT INTO session_summaries_new (id, memory_session_id, project, request, investigated, learned,
					completed, next_steps, notes, files_read, files_edited, prompt_number,
					created_at, created_at_epoch, discovery_tokens)
				SELECT id, memory_session_id, project, request, investigated, learned,
					completed, next_steps, notes, files_read, files_edited, prompt_number,
					created_at, created_at_epoch, discovery_tokens
				FROM session_summaries`,
				`DROP TABLE session_summaries`,
				`ALTER TABLE session_summaries_new RENAME TO session_summaries`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_memory_session ON session_summaries(memory_session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_project ON session_summaries(project)`,
				`CREATE INDEX IF NOT EXISTS idx_session_summaries_created ON session_summaries(created_at_epoch DESC)`,
			)
		},
	},
	{
		Version:  13,
		Name:     "observations_fts",
		Optional: true,
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
					title, subtitle, narrative,
					content='observations',
					content_rowid='id'
				)`, `
				CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
					INSERT INTO observations_fts(rowid, title, subtitle, narrative)
					VALUES (new.id, new.title, new.subtitle, new.narrative);
				END`, `
				CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
					INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative)
					VALUES('delete', old.id, old.title, old.subtitle, old.narrative);
				END`, `
				CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
					INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative)
					VALUES('delete', old.id, old.title, old.subtitle, old.narrative);
					INSERT INTO observations_fts(rowid, title, subtitle, narrative)
					VALUES (new.id, new.title, new.subtitle, new.narrative);
				END`,
			)
		},
	},
	{
		Version:  14,
		Name:     "user_prompts_fts",
		Optional: true,
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE VIRTUAL TABLE IF NOT EXISTS user_prompts_fts USING fts5(
					prompt_text,
					content='user_prompts',
					content_rowid='id'
				)`, `
				CREATE TRIGGER IF NOT EXISTS user_prompts_ai AFTER INSERT ON user_prompts BEGIN
					INSERT INTO user_prompts_fts(rowid, prompt_text)
					VALUES (new.id, new.prompt_text);
				END`, `
				CREATE TRIGGER IF NOT EXISTS user_prompts_ad AFTER DELETE ON user_prompts BEGIN
					INSERT INTO user_prompts_fts(user_prompts_fts, rowid, prompt_text)
					VALUES('delete', old.id, old.prompt_text);
				END`, `
				CREATE TRIGGER IF NOT EXISTS user_prompts_au AFTER UPDATE ON user_prompts BEGIN
					INSERT INTO user_prompts_fts(user_prompts_fts, rowid, prompt_text)
					VALUES('delete', old.id, old.prompt_text);
					INSERT INTO user_prompts_fts(rowid, prompt_text)
					VALUES (new.id, new.prompt_text);
				END`,
			)
		},
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema_versions table if it doesn't exist.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration applies a single migration and records its version in the
// same transaction.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Apply(tx); err != nil {
		if migration.Optional && isMissingModule(err) {
			log.Warn().Int("version", migration.Version).Str("name", migration.Name).
				Err(err).Msg("Skipping optional migration, SQLite module unavailable")
			_ = tx.Rollback()
			return m.recordVersion(migration.Version)
		}
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

func (m *MigrationManager) recordVersion(version int) error {
	_, err := m.db.Exec(
		"INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)",
		version, time.Now().Format(time.RFC3339),
	)
	return err
}

func isMissingModule(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module")
}

// RunMigrations applies all pending migrations.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return err
		}

		log.Debug().Int("version", migration.Version).Str("name", migration.Name).
			Msg("Applied migration")
	}

	return nil
}
