package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/contextdoc"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/internal/worker/sse"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// testService builds a Service over a temp database with no provider and no
// vector mirror: ingest routes fall back to direct store paths, reads fall
// back to full-text search.
func testService(t *testing.T) *Service {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	sessionStore := sqlite.NewSessionStore(store)
	observationStore := sqlite.NewObservationStore(store)
	summaryStore := sqlite.NewSummaryStore(store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := &Service{
		version:          "test-version",
		config:           cfg,
		store:            store,
		sessionStore:     sessionStore,
		observationStore: observationStore,
		summaryStore:     summaryStore,
		promptStore:      sqlite.NewPromptStore(store),
		queueStore:       sqlite.NewQueueStore(store),
		sseBroadcaster:   sse.NewBroadcaster(),
		composer: contextdoc.NewComposer(cfg, mode.Default(), observationStore,
			summaryStore, sessionStore, nil),
		router:    chi.NewRouter(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	svc.setupRoutes()
	svc.ready.Store(true)

	return svc
}

func postJSON(t *testing.T, svc *Service, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func getPath(svc *Service, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// seedMemory stores observations under a registered session so read routes
// have data to serve.
func seedMemory(t *testing.T, svc *Service, project string, titles ...string) {
	t.Helper()
	ctx := context.Background()

	contentID := "content-" + project
	_, err := svc.sessionStore.CreateSession(ctx, contentID, project, "seed", 0)
	require.NoError(t, err)
	require.NoError(t, svc.sessionStore.RegisterMemorySessionID(ctx, contentID, "memory-"+project))

	batch := &sqlite.Batch{
		MemorySessionID: "memory-" + project,
		Project:         project,
		DiscoveryTokens: 250,
	}
	for _, title := range titles {
		batch.Observations = append(batch.Observations, &models.ParsedObservation{
			Type:      models.ObsTypeDiscovery,
			Title:     title,
			Narrative: "Details about " + title + ".",
		})
	}
	_, err = svc.observationStore.StoreBatch(ctx, batch)
	require.NoError(t, err)
}

func TestHandleHealthBeforeReady(t *testing.T) {
	svc := testService(t)
	svc.ready.Store(false)

	rec := getPath(svc, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "starting", body["status"])
	assert.Equal(t, "test-version", body["version"])
}

func TestRequireReadyGatesDataRoutes(t *testing.T) {
	svc := testService(t)
	svc.ready.Store(false)

	rec := getPath(svc, "/api/projects")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.ready.Store(true)
	rec = getPath(svc, "/api/projects")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSessionInit(t *testing.T) {
	svc := testService(t)

	rec := postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1",
		Project:          "demo",
		Prompt:           "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.SessionDBID, int64(0))
	assert.Equal(t, 1, resp.PromptNumber)

	// Re-initializing the same session bumps the prompt number only.
	rec = postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1",
		Project:          "demo",
		Prompt:           "second prompt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var again SessionInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, resp.SessionDBID, again.SessionDBID)
	assert.Equal(t, 2, again.PromptNumber)
}

func TestHandleSessionInitExcludedProject(t *testing.T) {
	svc := testService(t)
	svc.config.ExcludedProjects = []string{"secret"}

	rec := postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1",
		Project:          "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Skipped)
}

func TestHandleObservationEnqueues(t *testing.T) {
	svc := testService(t)

	rec := postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1", Project: "demo", Prompt: "go",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var initResp SessionInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initResp))

	rec = postJSON(t, svc, "/api/sessions/observations", map[string]interface{}{
		"content_session_id": "c1",
		"tool_name":          "Read",
		"tool_input":         map[string]string{"file": "a.go"},
		"tool_response":      map[string]string{},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	count, err := svc.queueStore.PendingCount(context.Background(), initResp.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	msg, err := svc.queueStore.ClaimNext(context.Background(), initResp.SessionDBID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageObservation, msg.MessageType)
	assert.Equal(t, "Read", msg.ToolName.String)
}

func TestHandleObservationSkipsFilteredTool(t *testing.T) {
	svc := testService(t)

	postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1", Project: "demo",
	})

	rec := postJSON(t, svc, "/api/sessions/observations", map[string]interface{}{
		"content_session_id": "c1",
		"tool_name":          "TodoWrite",
		"tool_input":         map[string]string{},
		"tool_response":      map[string]string{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["skipped"])
}

func TestHandleObservationCreatesLateSession(t *testing.T) {
	svc := testService(t)

	rec := postJSON(t, svc, "/api/sessions/observations", map[string]interface{}{
		"content_session_id": "late-1",
		"project":            "demo",
		"tool_name":          "Edit",
		"tool_input":         map[string]string{"file": "b.go"},
		"tool_response":      map[string]string{},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := svc.sessionStore.GetByContentID(context.Background(), "late-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "demo", sess.Project)
}

func TestHandleObservationUnknownSessionWithoutProject(t *testing.T) {
	svc := testService(t)

	rec := postJSON(t, svc, "/api/sessions/observations", map[string]interface{}{
		"content_session_id": "ghost",
		"tool_name":          "Edit",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSummarizeEnqueues(t *testing.T) {
	svc := testService(t)

	rec := postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1", Project: "demo",
	})
	var initResp SessionInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initResp))

	rec = postJSON(t, svc, "/api/sessions/summarize", SummarizeRequest{
		ContentSessionID:     "c1",
		LastAssistantMessage: "all done",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	msg, err := svc.queueStore.ClaimNext(context.Background(), initResp.SessionDBID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageSummarize, msg.MessageType)
	assert.Equal(t, "all done", msg.LastAssistantMessage.String)
}

func TestHandleSessionComplete(t *testing.T) {
	svc := testService(t)

	postJSON(t, svc, "/api/sessions/init", SessionInitRequest{
		ContentSessionID: "c1", Project: "demo",
	})

	rec := postJSON(t, svc, "/api/sessions/complete", SessionCompleteRequest{
		ContentSessionID: "c1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := svc.sessionStore.GetByContentID(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionCompleted, sess.Status)
}

func TestHandleContextInject(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo", "Found the race", "Fixed the race")

	rec := getPath(svc, "/api/context/inject?projects=demo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# [demo] recent context"))
	assert.Contains(t, rec.Body.String(), "Found the race")
}

func TestHandleContextInjectRequiresProjects(t *testing.T) {
	svc := testService(t)
	rec := getPath(svc, "/api/context/inject")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleContextRecent(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo", "First finding", "Second finding", "Third finding")

	rec := getPath(svc, "/api/context/recent?project=demo&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	observations, ok := body["observations"].([]interface{})
	require.True(t, ok)
	assert.Len(t, observations, 2)
}

func TestHandleSearchObservationsFallsBackDegraded(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo", "Token counter uses cl100k", "Queue claims are guarded")

	rec := getPath(svc, "/api/search/observations?query=token&project=demo")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["degraded"])
	observations, ok := body["observations"].([]interface{})
	require.True(t, ok)
	require.Len(t, observations, 1)
}

func TestHandleTimelineByQuery(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo",
		"Alpha step", "Beta step", "Gamma anchor point", "Delta step", "Epsilon step")

	rec := getPath(svc, "/api/timeline/by-query?query=gamma&project=demo&depth_before=1&depth_after=1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	observations, ok := body["observations"].([]interface{})
	require.True(t, ok)
	require.Len(t, observations, 3)

	titles := make([]string, 0, len(observations))
	for _, raw := range observations {
		obs := raw.(map[string]interface{})
		titles = append(titles, fmt.Sprint(obs["title"]))
	}
	assert.Contains(t, titles, "Beta step")
	assert.Contains(t, titles, "Gamma anchor point")
	assert.Contains(t, titles, "Delta step")
}

func TestHandleTimelineByQueryNoMatch(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo", "Only entry")

	rec := getPath(svc, "/api/timeline/by-query?query=zzzznothing&project=demo")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	observations, ok := body["observations"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, observations)
}

func TestHandleLogsTail(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("CLAUDE_MEM_DATA_DIR", dataDir)

	logsDir := filepath.Join(dataDir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0750))
	var content strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(logsDir, "worker.log"), []byte(content.String()), 0600))

	svc := testService(t)
	rec := getPath(svc, "/api/logs?file=worker.log&tail=3")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	lines, ok := body["lines"].([]interface{})
	require.True(t, ok)
	require.Len(t, lines, 3)
	assert.Equal(t, "line 18", lines[0])
	assert.Equal(t, "line 20", lines[2])
}

func TestHandleLogsRejectsTraversal(t *testing.T) {
	t.Setenv("CLAUDE_MEM_DATA_DIR", t.TempDir())
	svc := testService(t)

	rec := getPath(svc, "/api/logs?file=..%2Fsettings.json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLogsMissingFile(t *testing.T) {
	t.Setenv("CLAUDE_MEM_DATA_DIR", t.TempDir())
	svc := testService(t)

	rec := getPath(svc, "/api/logs?file=absent.log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStats(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "demo", "One finding")

	rec := getPath(svc, "/api/stats?project=demo")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, false, body["vector_mirror"])
	assert.EqualValues(t, 1, body["project_observations"])
	assert.EqualValues(t, 250, body["discovery_tokens"])
}

func TestHandleProjects(t *testing.T) {
	svc := testService(t)
	seedMemory(t, svc, "alpha", "A")
	seedMemory(t, svc, "beta", "B")

	rec := getPath(svc, "/api/projects")
	require.Equal(t, http.StatusOK, rec.Code)

	var projects []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, projects)
}

func TestStreamStaysOpenUntilClientDisconnects(t *testing.T) {
	svc := testService(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		svc.router.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return svc.sseBroadcaster.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)
	// Let the handler finish its greeting frame before broadcasting.
	time.Sleep(20 * time.Millisecond)

	// The stream route sits outside the per-request timeout group, so the
	// handler must still be serving after frames go out.
	svc.sseBroadcaster.Broadcast("processing_status", map[string]interface{}{
		"pending_depth": 0,
	})
	select {
	case <-done:
		t.Fatal("stream handler returned while the client was still connected")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after client disconnect")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, ": connected")
	assert.Contains(t, body, `"type":"processing_status"`)
}
