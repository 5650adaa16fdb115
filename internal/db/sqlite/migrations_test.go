package sqlite

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunMigrationsFreshDatabase(t *testing.T) {
	db := openRawDB(t, t.TempDir()+"/fresh.db")

	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.RunMigrations())

	for _, table := range []string{"sdk_sessions", "observations", "session_summaries", "user_prompts", "pending_messages"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := openRawDB(t, t.TempDir()+"/idem.db")

	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.RunMigrations())
	require.NoError(t, mgr.RunMigrations())
	require.NoError(t, mgr.RunMigrations())

	applied, err := mgr.GetAppliedVersions()
	require.NoError(t, err)
	assert.Len(t, applied, len(Migrations))
}

func TestRunMigrationsLegacyVersionRowsWithoutTables(t *testing.T) {
	// A database inherited from an older installation can carry
	// schema_versions rows for migrations whose tables were never part of
	// this worker. Those rows must not suppress core table creation.
	db := openRawDB(t, t.TempDir()+"/legacy.db")

	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.EnsureSchemaVersionsTable())
	for v := 1; v <= 7; v++ {
		_, err := db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
			v, time.Now().Format(time.RFC3339))
		require.NoError(t, err)
	}

	require.NoError(t, mgr.RunMigrations())

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sdk_sessions'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrationsRecoversFromOrphanRebuildTable(t *testing.T) {
	// Simulate a crash mid-rebuild: observations_new exists, the version
	// was never recorded. The rebuild must converge on re-run.
	db := openRawDB(t, t.TempDir()+"/crash.db")

	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.RunMigrations())

	_, err := db.Exec("DELETE FROM schema_versions WHERE version = 12")
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE observations_new (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	require.NoError(t, mgr.RunMigrations())

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='observations_new'").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestForeignKeyCascadeOnMemorySessionRename(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	seedSession(t, store, "content-1", "memory-1", "proj")

	obsStore := NewObservationStore(store)
	batch := &Batch{
		MemorySessionID: "memory-1",
		Project:         "proj",
		Observations:    obsFixture("first finding"),
	}
	_, err := obsStore.StoreBatch(ctx, batch)
	require.NoError(t, err)

	// Renaming the memory session id must cascade to existing observations.
	sessions := NewSessionStore(store)
	require.NoError(t, sessions.RegisterMemorySessionID(ctx, "content-1", "memory-1-renamed"))

	observations, err := obsStore.GetByMemorySession(ctx, "memory-1-renamed")
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, "memory-1-renamed", observations[0].MemorySessionID)
}

func TestForeignKeyCascadeOnSessionDelete(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	seedSession(t, store, "content-2", "memory-2", "proj")

	obsStore := NewObservationStore(store)
	_, err := obsStore.StoreBatch(ctx, &Batch{
		MemorySessionID: "memory-2",
		Project:         "proj",
		Observations:    obsFixture("to be deleted"),
	})
	require.NoError(t, err)

	_, err = store.DB().Exec("DELETE FROM sdk_sessions WHERE content_session_id = 'content-2'")
	require.NoError(t, err)

	observations, err := obsStore.GetByMemorySession(ctx, "memory-2")
	require.NoError(t, err)
	assert.Empty(t, observations)
}
