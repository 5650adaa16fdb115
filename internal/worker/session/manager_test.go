package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/internal/provider"
	"github.com/claude-mem/claude-mem/internal/worker/agent"
	"github.com/claude-mem/claude-mem/pkg/models"
)

type stubProvider struct {
	name      string
	reply     string
	sessionID string
	err       error

	mu    sync.Mutex
	calls []*provider.TurnRequest
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) RunTurn(_ context.Context, req *provider.TurnRequest) (*provider.TurnResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &provider.TurnResult{
		Text:         p.reply,
		SessionID:    p.sessionID,
		InputTokens:  100,
		OutputTokens: 40,
	}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

const stubObservationReply = `<observation>
<type>discovery</type>
<title>Stub finding</title>
<narrative>A stubbed provider produced this.</narrative>
</observation>`

type managerFixture struct {
	cfg      *config.Config
	store    *sqlite.Store
	sessions *sqlite.SessionStore
	queue    *sqlite.QueueStore
	primary  *stubProvider
	fallback *stubProvider
	manager  *Manager
}

func newManagerFixture(t *testing.T, primary, fallback *stubProvider) *managerFixture {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.QueueIdleTimeout = int64((30 * time.Second) / time.Millisecond)

	sessions := sqlite.NewSessionStore(store)
	queue := sqlite.NewQueueStore(store)
	processor := agent.NewProcessor(sqlite.NewObservationStore(store), agent.NewParser(mode.Default()), nil, nil)

	var fb provider.Provider
	if fallback != nil {
		fb = fallback
	}
	manager := NewManager(cfg, sessions, queue, processor, primary, fb, agent.BuildSystemPrompt(mode.Default()))
	t.Cleanup(manager.Shutdown)

	return &managerFixture{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		queue:    queue,
		primary:  primary,
		fallback: fallback,
		manager:  manager,
	}
}

func (f *managerFixture) enqueueObservation(t *testing.T, session *ActiveSession) int64 {
	t.Helper()
	id, err := f.queue.Enqueue(t.Context(), sqlite.EnqueueParams{
		SessionDBID:      session.SessionDBID,
		ContentSessionID: session.ContentSessionID,
		MessageType:      models.MessageObservation,
		ToolName:         "Read",
		ToolInput:        `{"file_path": "main.go"}`,
		ToolResponse:     "package main",
		PromptNumber:     1,
	})
	require.NoError(t, err)
	f.manager.Notify(session.SessionDBID)
	return id
}

func (f *managerFixture) messageStatus(t *testing.T, id int64) string {
	t.Helper()
	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", id).Scan(&status))
	return status
}

func TestInitializeSessionIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)

	first, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "fix the bug", 37777)
	require.NoError(t, err)
	second, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "fix the bug", 37777)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.manager.ActiveCount())
}

func TestAgentLoopRegistersDistinctMemorySessionID(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return session.MemorySessionID() != ""
	}, 3*time.Second, 10*time.Millisecond)

	assert.NotEqual(t, "content-1", session.MemorySessionID())

	stored, err := f.sessions.GetByContentID(t.Context(), "content-1")
	require.NoError(t, err)
	require.True(t, stored.MemorySessionID.Valid)
	assert.Equal(t, session.MemorySessionID(), stored.MemorySessionID.String)
}

func TestAgentLoopProcessesQueuedMessage(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, session)

	require.Eventually(t, func() bool {
		return f.messageStatus(t, msgID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	var count int
	require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM observations").Scan(&count))
	assert.Equal(t, 1, count)

	input, output := session.Tokens()
	assert.EqualValues(t, 100, input)
	assert.EqualValues(t, 40, output)
}

func TestAgentLoopAdoptsProviderSessionID(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply, sessionID: "cli-abc"}, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, session)

	require.Eventually(t, func() bool {
		return f.messageStatus(t, msgID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "cli-abc", session.MemorySessionID())
	stored, err := f.sessions.GetByContentID(t.Context(), "content-1")
	require.NoError(t, err)
	assert.Equal(t, "cli-abc", stored.MemorySessionID.String)
}

func TestAgentLoopFallsBackOnTransientError(t *testing.T) {
	primary := &stubProvider{name: "gemini", err: &provider.Error{Provider: "gemini", StatusCode: 429}}
	fallback := &stubProvider{name: "openrouter", reply: stubObservationReply}
	f := newManagerFixture(t, primary, fallback)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, session)

	require.Eventually(t, func() bool {
		return f.messageStatus(t, msgID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, primary.callCount(), 1)
	assert.GreaterOrEqual(t, fallback.callCount(), 1)
}

func TestAgentLoopReleasesMessageOnPermanentError(t *testing.T) {
	primary := &stubProvider{name: "stub", err: &provider.Error{Provider: "stub", StatusCode: 400}}
	f := newManagerFixture(t, primary, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, session)

	// A non-fallback error releases the claim with a bumped retry count.
	require.Eventually(t, func() bool {
		var retries int
		require.NoError(t, f.store.DB().QueryRow(
			"SELECT retry_count FROM pending_messages WHERE id = ?", msgID).Scan(&retries))
		return retries >= 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCompleteDrainsAndMarksCompleted(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, session)
	f.manager.Complete("content-1")

	require.Eventually(t, func() bool {
		stored, err := f.sessions.GetByContentID(t.Context(), "content-1")
		return err == nil && stored.Status == models.SessionCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// The queued message was drained before completion, not abandoned.
	assert.Equal(t, "processed", f.messageStatus(t, msgID))
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIdleTimeoutFinishesSession(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)
	f.cfg.QueueIdleTimeout = 80

	_, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.sessions.GetByContentID(t.Context(), "content-1")
		return err == nil && stored.Status == models.SessionCompleted
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAbortLeavesClaimForStaleRecovery(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)

	session, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	f.manager.Abort("content-1")

	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// The session row is not marked completed by an abort.
	stored, err := f.sessions.GetByContentID(t.Context(), "content-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)
	_ = session
}

func TestConcurrencyCapWindsDownIdleSession(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)
	f.cfg.QueueIdleTimeout = int64((30 * time.Second) / time.Millisecond)

	// Fill both agent slots.
	_, err := f.manager.InitializeSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	_, err = f.manager.InitializeSession(t.Context(), "content-2", "proj", "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// A third session evicts the longest-idle loop instead of waiting
	// for the idle timeout.
	third, err := f.manager.InitializeSession(t.Context(), "content-3", "proj", "", 0)
	require.NoError(t, err)
	msgID := f.enqueueObservation(t, third)

	require.Eventually(t, func() bool {
		return f.messageStatus(t, msgID) == "processed"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestMaintenanceRecoversStaleClaims(t *testing.T) {
	f := newManagerFixture(t, &stubProvider{name: "stub", reply: stubObservationReply}, nil)
	f.cfg.QueueStaleAfter = 10

	// A claim abandoned by a dead worker.
	_, err := f.sessions.CreateSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	var sessionDBID int64
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT id FROM sdk_sessions WHERE content_session_id = 'content-1'").Scan(&sessionDBID))
	msgID, err := f.queue.Enqueue(t.Context(), sqlite.EnqueueParams{
		SessionDBID:      sessionDBID,
		ContentSessionID: "content-1",
		MessageType:      models.MessageObservation,
		ToolName:         "Read",
	})
	require.NoError(t, err)
	claimed, err := f.queue.ClaimNext(t.Context(), sessionDBID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = f.store.DB().Exec(
		"UPDATE pending_messages SET started_processing_at_epoch = started_processing_at_epoch - 60000 WHERE id = ?", msgID)
	require.NoError(t, err)

	f.manager.runMaintenance()
	assert.Equal(t, "pending", f.messageStatus(t, msgID))
}
