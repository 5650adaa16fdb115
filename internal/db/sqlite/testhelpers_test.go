package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// testStore creates a fully migrated temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(StoreConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// seedSession creates a session with a registered memory session id and
// returns the session db id.
func seedSession(t *testing.T, store *Store, contentSessionID, memorySessionID, project string) int64 {
	t.Helper()

	sessions := NewSessionStore(store)
	id, err := sessions.CreateSession(t.Context(), contentSessionID, project, "test prompt", 0)
	require.NoError(t, err)
	if memorySessionID != "" {
		require.NoError(t, sessions.RegisterMemorySessionID(t.Context(), contentSessionID, memorySessionID))
	}
	return id
}

// obsFixture builds a single-observation batch payload.
func obsFixture(title string) []*models.ParsedObservation {
	return []*models.ParsedObservation{{
		Type:      models.ObsTypeDiscovery,
		Title:     title,
		Narrative: "narrative for " + title,
		Facts:     []string{"a fact"},
		Concepts:  []string{"testing"},
	}}
}
