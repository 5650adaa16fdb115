package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/internal/provider"
	"github.com/claude-mem/claude-mem/pkg/models"
)

type recordingMirror struct {
	mu       sync.Mutex
	mirrored []*models.Observation
	fail     bool
}

func (m *recordingMirror) MirrorObservations(_ context.Context, _ string, observations []*models.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("chroma unavailable")
	}
	m.mirrored = append(m.mirrored, observations...)
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
	fields []map[string]interface{}
}

func (b *recordingBroadcaster) Broadcast(event string, fields map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.fields = append(b.fields, fields)
}

type processorFixture struct {
	store       *sqlite.Store
	queue       *sqlite.QueueStore
	processor   *Processor
	mirror      *recordingMirror
	broadcaster *recordingBroadcaster
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sessions := sqlite.NewSessionStore(store)
	_, err = sessions.CreateSession(t.Context(), "content-1", "proj", "", 0)
	require.NoError(t, err)
	require.NoError(t, sessions.RegisterMemorySessionID(t.Context(), "content-1", "memory-1"))

	mirror := &recordingMirror{}
	broadcaster := &recordingBroadcaster{}
	processor := NewProcessor(sqlite.NewObservationStore(store), NewParser(mode.Default()), mirror, broadcaster)

	return &processorFixture{
		store:       store,
		queue:       sqlite.NewQueueStore(store),
		processor:   processor,
		mirror:      mirror,
		broadcaster: broadcaster,
	}
}

func (f *processorFixture) claimMessage(t *testing.T, messageType models.MessageType) *models.PendingMessage {
	t.Helper()

	var sessionDBID int64
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT id FROM sdk_sessions WHERE content_session_id = 'content-1'").Scan(&sessionDBID))

	_, err := f.queue.Enqueue(t.Context(), sqlite.EnqueueParams{
		SessionDBID:      sessionDBID,
		ContentSessionID: "content-1",
		MessageType:      messageType,
		ToolName:         "Read",
		ToolInput:        `{}`,
		PromptNumber:     1,
	})
	require.NoError(t, err)

	msg, err := f.queue.ClaimNext(t.Context(), sessionDBID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

const observationReply = `<observation>
<type>discovery</type>
<title>Found the settings path</title>
<narrative>Settings resolve from the data directory.</narrative>
</observation>`

func TestProcessReplyStoresAndConfirms(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageObservation)

	outcome, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: observationReply, InputTokens: 100, OutputTokens: 50})
	require.NoError(t, err)
	require.Len(t, outcome.ObservationIDs, 1)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", msg.ID).Scan(&status))
	assert.Equal(t, "processed", status)

	assert.Len(t, f.mirror.mirrored, 1)
	require.Contains(t, f.broadcaster.events, "new_observation")
	obs, ok := f.broadcaster.fields[0]["observation"].(*models.Observation)
	require.True(t, ok)
	assert.Equal(t, "Found the settings path", obs.Title.String)
}

func TestProcessReplyEmptyTextDoesNotConfirm(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageObservation)

	_, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg, &provider.TurnResult{Text: ""})
	require.ErrorIs(t, err, ErrEmptyReply)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", msg.ID).Scan(&status))
	assert.Equal(t, "processing", status)
}

func TestProcessReplyNoObservationsStillConfirms(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageObservation)

	outcome, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: "Nothing durable in this tool use."})
	require.NoError(t, err)
	assert.Empty(t, outcome.ObservationIDs)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", msg.ID).Scan(&status))
	assert.Equal(t, "processed", status)
}

func TestProcessReplySummarize(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageSummarize)

	reply := `<summary><request>fix bug</request><learned>the cause</learned></summary>`
	outcome, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: reply})
	require.NoError(t, err)
	assert.NotZero(t, outcome.SummaryID)
	assert.Contains(t, f.broadcaster.events, "new_summary")
}

func TestProcessReplySummarizeSkipConfirms(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageSummarize)

	outcome, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: `<skip_summary reason="trivial"/>`})
	require.NoError(t, err)
	assert.True(t, outcome.SummarySkipped)
	assert.Zero(t, outcome.SummaryID)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", msg.ID).Scan(&status))
	assert.Equal(t, "processed", status)
}

func TestProcessReplySummarizeMalformedDoesNotConfirm(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.claimMessage(t, models.MessageSummarize)

	_, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: "I could not produce a summary."})
	require.Error(t, err)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT status FROM pending_messages WHERE id = ?", msg.ID).Scan(&status))
	assert.Equal(t, "processing", status)
}

func TestProcessReplyMirrorFailureDoesNotFailBatch(t *testing.T) {
	f := newProcessorFixture(t)
	f.mirror.fail = true
	msg := f.claimMessage(t, models.MessageObservation)

	outcome, err := f.processor.ProcessReply(t.Context(), "memory-1", "proj", msg,
		&provider.TurnResult{Text: observationReply})
	require.NoError(t, err)
	assert.Len(t, outcome.ObservationIDs, 1)
	assert.Contains(t, f.broadcaster.events, "new_observation")
}
