// Package session manages active memory-agent sessions: one durable queue
// consumer loop per live session, bounded by a global concurrency cap.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/provider"
	"github.com/claude-mem/claude-mem/internal/worker/agent"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// maxTranscriptTurns bounds the replayed history for sessionless providers.
const maxTranscriptTurns = 24

// retryBackoffBase and retryBackoffCap shape the delay between failed
// provider turns for the same message.
const (
	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 30 * time.Second
)

// ActiveSession is the in-memory state of one live session.
type ActiveSession struct {
	SessionDBID      int64
	ContentSessionID string
	Project          string

	mu              sync.Mutex
	memorySessionID string
	resumable       bool
	transcript      []provider.Message

	notify       chan struct{}
	winddown     chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	lastActivity atomic.Int64
	loopRunning  atomic.Bool

	cumulativeInput  atomic.Int64
	cumulativeOutput atomic.Int64
}

// MemorySessionID returns the current provider-side identity.
func (s *ActiveSession) MemorySessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memorySessionID
}

func (s *ActiveSession) setMemorySessionID(id string) {
	s.mu.Lock()
	s.memorySessionID = id
	s.mu.Unlock()
}

// touch records activity for idle accounting.
func (s *ActiveSession) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// Tokens returns the session's cumulative provider token spend.
func (s *ActiveSession) Tokens() (input, output int64) {
	return s.cumulativeInput.Load(), s.cumulativeOutput.Load()
}

// Manager owns every live session's agent loop. Loops consume the durable
// queue; the semaphore caps how many hold a provider conversation at once.
type Manager struct {
	cfg       *config.Config
	sessions  *sqlite.SessionStore
	queue     *sqlite.QueueStore
	processor *agent.Processor
	primary   provider.Provider
	fallback  provider.Provider
	system    string

	sem    *semaphore.Weighted
	mu     sync.RWMutex
	active map[int64]*ActiveSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, sessions *sqlite.SessionStore, queue *sqlite.QueueStore,
	processor *agent.Processor, primary, fallback provider.Provider, systemPrompt string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		sessions:  sessions,
		queue:     queue,
		processor: processor,
		primary:   primary,
		fallback:  fallback,
		system:    systemPrompt,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentAgents)),
		active:    make(map[int64]*ActiveSession),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartMaintenance launches the background queue janitor: stale claims go
// back to pending, exhausted messages fail, and old processed rows age out.
func (m *Manager) StartMaintenance(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

func (m *Manager) runMaintenance() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	if recovered, err := m.queue.RecoverStale(ctx, m.cfg.QueueStaleAfter); err != nil {
		log.Warn().Err(err).Msg("Stale claim recovery failed")
	} else if recovered > 0 {
		log.Info().Int64("count", recovered).Msg("Recovered stale queue claims")
		m.notifyAll()
	}

	if failed, err := m.queue.FailExhausted(ctx, m.cfg.QueueRetryLimit); err != nil {
		log.Warn().Err(err).Msg("Failing exhausted messages failed")
	} else if failed > 0 {
		log.Warn().Int64("count", failed).Msg("Messages exceeded retry limit")
	}

	const processedRetentionMS = 24 * 60 * 60 * 1000
	if _, err := m.queue.PurgeProcessed(ctx, processedRetentionMS); err != nil {
		log.Warn().Err(err).Msg("Processed message purge failed")
	}
}

// notifyAll pokes every live loop, used after stale recovery returns work to
// pending.
func (m *Manager) notifyAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.active {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// InitializeSession registers a session and ensures its agent loop is
// running. Idempotent per content session id.
func (m *Manager) InitializeSession(ctx context.Context, contentSessionID, project, userPrompt string, workerPort int) (*ActiveSession, error) {
	dbID, err := m.sessions.CreateSession(ctx, contentSessionID, project, userPrompt, workerPort)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.active[dbID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	sessionCtx, cancel := context.WithCancel(m.ctx)
	session := &ActiveSession{
		SessionDBID:      dbID,
		ContentSessionID: contentSessionID,
		Project:          project,
		notify:           make(chan struct{}, 1),
		winddown:         make(chan struct{}, 1),
		ctx:              sessionCtx,
		cancel:           cancel,
	}
	session.touch()

	dbSession, err := m.sessions.GetByContentID(ctx, contentSessionID)
	if err == nil && dbSession != nil && dbSession.MemorySessionID.Valid {
		session.memorySessionID = dbSession.MemorySessionID.String
	}

	m.active[dbID] = session
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runAgentLoop(session)

	log.Info().
		Int64("sessionId", dbID).
		Str("project", project).
		Str("contentSessionId", contentSessionID).
		Msg("Session initialized")

	return session, nil
}

// Get returns the active session for a content session id, or nil.
func (m *Manager) Get(contentSessionID string) *ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.active {
		if s.ContentSessionID == contentSessionID {
			return s
		}
	}
	return nil
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Notify pokes a session's loop after a queue write.
func (m *Manager) Notify(sessionDBID int64) {
	m.mu.RLock()
	session, ok := m.active[sessionDBID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	session.touch()
	select {
	case session.notify <- struct{}{}:
	default:
	}
}

// Complete asks a session's loop to drain its queue, summarize, and exit.
// The summarize message is expected to already be enqueued by the caller.
func (m *Manager) Complete(contentSessionID string) {
	session := m.Get(contentSessionID)
	if session == nil {
		return
	}
	select {
	case session.winddown <- struct{}{}:
	default:
	}
	select {
	case session.notify <- struct{}{}:
	default:
	}
}

// Abort cancels a session's loop immediately. Claimed messages are left for
// stale recovery; nothing is summarized.
func (m *Manager) Abort(contentSessionID string) {
	session := m.Get(contentSessionID)
	if session == nil {
		return
	}
	log.Info().Int64("sessionId", session.SessionDBID).Msg("Session aborted")
	session.cancel()
}

// Shutdown stops every loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// remove drops a finished session from the registry.
func (m *Manager) remove(session *ActiveSession) {
	m.mu.Lock()
	delete(m.active, session.SessionDBID)
	m.mu.Unlock()
	session.cancel()
}

// windDownOldestIdle asks the longest-idle running loop to finish so a new
// session can take its agent slot. Loops holding pending work are not
// eligible.
func (m *Manager) windDownOldestIdle() {
	m.mu.RLock()
	var oldest *ActiveSession
	for _, s := range m.active {
		if !s.loopRunning.Load() {
			continue
		}
		if pending, err := m.queue.PendingCount(context.Background(), s.SessionDBID); err != nil || pending > 0 {
			continue
		}
		if oldest == nil || s.lastActivity.Load() < oldest.lastActivity.Load() {
			oldest = s
		}
	}
	m.mu.RUnlock()

	if oldest != nil {
		log.Info().Int64("sessionId", oldest.SessionDBID).Msg("Winding down idle session for new arrival")
		select {
		case oldest.winddown <- struct{}{}:
		default:
		}
		select {
		case oldest.notify <- struct{}{}:
		default:
		}
	}
}

// runAgentLoop is the per-session consumer: claim, run a provider turn,
// persist, repeat until the queue drains and the session goes idle or winds
// down.
func (m *Manager) runAgentLoop(session *ActiveSession) {
	defer m.wg.Done()
	defer m.remove(session)

	// Admission: take an agent slot, evicting an idle loop if every slot
	// is held.
	if !m.sem.TryAcquire(1) {
		m.windDownOldestIdle()
		if err := m.sem.Acquire(session.ctx, 1); err != nil {
			return
		}
	}
	defer m.sem.Release(1)
	session.loopRunning.Store(true)
	defer session.loopRunning.Store(false)

	if err := m.ensureMemorySessionID(session); err != nil {
		log.Error().Err(err).Int64("sessionId", session.SessionDBID).Msg("Cannot establish memory session identity")
		_ = m.sessions.MarkFailed(session.ctx, session.ContentSessionID)
		return
	}

	idleTimeout := time.Duration(m.cfg.QueueIdleTimeout) * time.Millisecond
	windingDown := false

	for {
		select {
		case <-session.ctx.Done():
			return
		case <-session.winddown:
			windingDown = true
		default:
		}

		msg, err := m.queue.ClaimNext(session.ctx, session.SessionDBID)
		if err != nil {
			log.Error().Err(err).Int64("sessionId", session.SessionDBID).Msg("Queue claim failed")
			return
		}

		if msg == nil {
			if windingDown {
				m.finishSession(session)
				return
			}
			idle := time.NewTimer(idleTimeout)
			select {
			case <-session.ctx.Done():
				idle.Stop()
				return
			case <-session.winddown:
				idle.Stop()
				windingDown = true
			case <-session.notify:
				idle.Stop()
			case <-idle.C:
				log.Info().
					Int64("sessionId", session.SessionDBID).
					Dur("idle", idleTimeout).
					Msg("Session idle, finishing")
				m.finishSession(session)
				return
			}
			continue
		}

		session.touch()
		m.processMessage(session, msg)
	}
}

// ensureMemorySessionID establishes the session's provider-side identity.
// Sessionless backends get a synthesized id up front; the Claude CLI backend
// replaces it with the binary's own id after the first turn, which the FK
// cascade propagates to rows already written.
func (m *Manager) ensureMemorySessionID(session *ActiveSession) error {
	if session.MemorySessionID() != "" {
		return nil
	}
	memID := "mem-" + uuid.NewString()
	if err := m.sessions.RegisterMemorySessionID(session.ctx, session.ContentSessionID, memID); err != nil {
		return err
	}
	session.setMemorySessionID(memID)
	return nil
}

// processMessage runs one claimed message through the provider, with
// fallback routing and retry backoff.
func (m *Manager) processMessage(session *ActiveSession, msg *models.PendingMessage) {
	prompt := m.buildPrompt(session, msg)

	turn, err := m.runTurn(session, prompt)
	if err != nil {
		log.Warn().Err(err).
			Int64("sessionId", session.SessionDBID).
			Int64("messageId", msg.ID).
			Int("retryCount", msg.RetryCount).
			Msg("Provider turn failed, releasing message")
		m.backoff(session, msg.RetryCount)
		_ = m.queue.Release(session.ctx, msg.ID, m.cfg.QueueRetryLimit)
		return
	}

	session.cumulativeInput.Add(turn.InputTokens)
	session.cumulativeOutput.Add(turn.OutputTokens)

	_, err = m.processor.ProcessReply(session.ctx, session.MemorySessionID(), session.Project, msg, turn)
	if err != nil {
		log.Warn().Err(err).
			Int64("sessionId", session.SessionDBID).
			Int64("messageId", msg.ID).
			Msg("Reply processing failed, releasing message")
		m.backoff(session, msg.RetryCount)
		_ = m.queue.Release(session.ctx, msg.ID, m.cfg.QueueRetryLimit)
		return
	}

	m.appendTranscript(session, prompt, turn.Text)
}

// runTurn executes a provider turn, trying the fallback provider on
// transient failures.
func (m *Manager) runTurn(session *ActiveSession, prompt string) (*provider.TurnResult, error) {
	req := m.buildRequest(session, prompt)

	turn, err := m.primary.RunTurn(session.ctx, req)
	if err == nil {
		m.adoptProviderSessionID(session, turn)
		return turn, nil
	}

	if m.fallback == nil || !provider.ShouldFallback(err) {
		return nil, err
	}

	log.Warn().Err(err).
		Str("primary", m.primary.Name()).
		Str("fallback", m.fallback.Name()).
		Msg("Primary provider failed, trying fallback")

	// The fallback has no access to the primary's server-side session, so
	// it always gets the replayed transcript.
	fallbackReq := m.buildRequest(session, prompt)
	fallbackReq.SessionID = ""
	turn, ferr := m.fallback.RunTurn(session.ctx, fallbackReq)
	if ferr != nil {
		return nil, ferr
	}
	return turn, nil
}

// buildRequest assembles the turn request: resumed CLI sessions send only
// the new prompt, sessionless backends replay the transcript.
func (m *Manager) buildRequest(session *ActiveSession, prompt string) *provider.TurnRequest {
	session.mu.Lock()
	defer session.mu.Unlock()

	req := &provider.TurnRequest{System: m.system}
	if session.resumable {
		req.SessionID = session.memorySessionID
		req.Messages = []provider.Message{{Role: provider.RoleUser, Content: prompt}}
		return req
	}

	req.Messages = make([]provider.Message, 0, len(session.transcript)+1)
	req.Messages = append(req.Messages, session.transcript...)
	req.Messages = append(req.Messages, provider.Message{Role: provider.RoleUser, Content: prompt})
	return req
}

// adoptProviderSessionID switches to the backend's own session identity when
// it reports one.
func (m *Manager) adoptProviderSessionID(session *ActiveSession, turn *provider.TurnResult) {
	if turn.SessionID == "" || turn.SessionID == session.MemorySessionID() {
		return
	}
	if turn.SessionID == session.ContentSessionID {
		log.Warn().
			Int64("sessionId", session.SessionDBID).
			Msg("Provider returned the content session id, keeping synthesized identity")
		return
	}
	if err := m.sessions.RegisterMemorySessionID(session.ctx, session.ContentSessionID, turn.SessionID); err != nil {
		log.Warn().Err(err).Int64("sessionId", session.SessionDBID).Msg("Could not adopt provider session id")
		return
	}
	session.setMemorySessionID(turn.SessionID)
	session.mu.Lock()
	session.resumable = true
	session.mu.Unlock()
}

// buildPrompt renders a claimed message into the provider prompt.
func (m *Manager) buildPrompt(session *ActiveSession, msg *models.PendingMessage) string {
	if msg.MessageType == models.MessageSummarize {
		return agent.BuildSummaryPrompt(agent.SummaryRequest{
			SessionDBID:          session.SessionDBID,
			MemorySessionID:      session.MemorySessionID(),
			Project:              session.Project,
			LastAssistantMessage: msg.LastAssistantMessage.String,
		})
	}
	return agent.BuildObservationPrompt(agent.ToolExecution{
		ID:             msg.ID,
		ToolName:       msg.ToolName.String,
		ToolInput:      msg.ToolInput.String,
		ToolOutput:     msg.ToolResponse.String,
		CWD:            msg.CWD.String,
		CreatedAtEpoch: msg.CreatedAtEpoch,
	})
}

// appendTranscript records a completed exchange for sessionless replay.
func (m *Manager) appendTranscript(session *ActiveSession, prompt, reply string) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.resumable {
		return
	}
	session.transcript = append(session.transcript,
		provider.Message{Role: provider.RoleUser, Content: prompt},
		provider.Message{Role: provider.RoleAssistant, Content: reply},
	)
	if len(session.transcript) > maxTranscriptTurns {
		session.transcript = session.transcript[len(session.transcript)-maxTranscriptTurns:]
	}
}

// finishSession marks the session completed after its queue drained.
func (m *Manager) finishSession(session *ActiveSession) {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := m.sessions.MarkCompleted(ctx, session.ContentSessionID); err != nil {
		log.Warn().Err(err).Int64("sessionId", session.SessionDBID).Msg("Could not mark session completed")
	}
	input, output := session.Tokens()
	log.Info().
		Int64("sessionId", session.SessionDBID).
		Int64("inputTokens", input).
		Int64("outputTokens", output).
		Msg("Session finished")
}

// backoff sleeps between retries of the same message: 1s doubling, capped.
func (m *Manager) backoff(session *ActiveSession, retryCount int) {
	delay := retryBackoffBase << uint(retryCount)
	if delay > retryBackoffCap || delay <= 0 {
		delay = retryBackoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-session.ctx.Done():
	case <-timer.C:
	}
}
