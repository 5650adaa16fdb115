// Package worker hosts the memory worker: the HTTP surface, the session
// registry, and the wiring between stores, providers, and the vector mirror.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/contextdoc"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/internal/provider"
	"github.com/claude-mem/claude-mem/internal/vector/chroma"
	"github.com/claude-mem/claude-mem/internal/watcher"
	"github.com/claude-mem/claude-mem/internal/worker/agent"
	"github.com/claude-mem/claude-mem/internal/worker/session"
	"github.com/claude-mem/claude-mem/internal/worker/sse"
)

const (
	// DefaultHTTPTimeout bounds a single HTTP request.
	DefaultHTTPTimeout = 30 * time.Second

	// MaintenanceInterval is how often the queue janitor runs.
	MaintenanceInterval = 30 * time.Second

	// SettingsDebounce coalesces bursts of settings-file writes.
	SettingsDebounce = 500 * time.Millisecond
)

// Service is the worker orchestrator. The HTTP server starts immediately;
// database, provider, and vector initialization happen in the background so
// hooks can probe /api/health right away.
type Service struct {
	version string
	config  *config.Config

	store            *sqlite.Store
	sessionStore     *sqlite.SessionStore
	observationStore *sqlite.ObservationStore
	summaryStore     *sqlite.SummaryStore
	promptStore      *sqlite.PromptStore
	queueStore       *sqlite.QueueStore

	sessionManager *session.Manager
	sseBroadcaster *sse.Broadcaster
	composer       *contextdoc.Composer

	chromaClient *chroma.Client
	chromaMirror *chroma.Mirror

	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex

	settingsWatcher *watcher.Watcher
}

// NewService creates a worker service with deferred initialization.
func NewService(version string) (*Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:        version,
		config:         cfg,
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	go svc.initializeAsync()

	return svc, nil
}

// initializeAsync performs the heavy startup work in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization")

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     config.DBPath(),
		MaxConns: s.config.MaxConns,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	sessionStore := sqlite.NewSessionStore(store)
	observationStore := sqlite.NewObservationStore(store)
	summaryStore := sqlite.NewSummaryStore(store)
	promptStore := sqlite.NewPromptStore(store)
	queueStore := sqlite.NewQueueStore(store)

	activeMode, err := mode.Load(config.ModesDir(), s.config.Mode)
	if err != nil {
		log.Warn().Err(err).Str("mode", s.config.Mode).Msg("Mode load failed, using built-in code mode")
		activeMode = mode.Default()
	}

	// Vector mirror is optional: SQLite stays the source of truth and reads
	// degrade to FTS when the subprocess is unavailable.
	var chromaClient *chroma.Client
	var chromaMirror *chroma.Mirror
	client := chroma.NewClient(chroma.Config{DataDir: config.VectorDBPath()})
	if err := client.Connect(s.ctx); err != nil {
		log.Warn().Err(err).Msg("Chroma connection failed, vector mirror disabled")
	} else {
		chromaClient = client
		chromaMirror = chroma.NewMirror(client, observationStore)
		log.Info().Msg("Chroma vector mirror connected")
	}

	var mirror agent.Mirror
	if chromaMirror != nil {
		mirror = chromaMirror
	}
	processor := agent.NewProcessor(observationStore, agent.NewParser(activeMode), mirror, s.sseBroadcaster)

	// Provider failures are non-fatal: events are still accepted and queued,
	// processing resumes once a provider is configured.
	var sessionManager *session.Manager
	creds, err := config.LoadCredentials()
	if err != nil {
		log.Warn().Err(err).Msg("Credential file unreadable")
		creds = &config.Credentials{}
	}
	primary, fallback, err := provider.NewWithFallback(s.config, creds)
	if err != nil {
		log.Warn().Err(err).Str("provider", s.config.Provider).
			Msg("Provider unavailable, observations will queue unprocessed")
	} else {
		sessionManager = session.NewManager(s.config, sessionStore, queueStore,
			processor, primary, fallback, agent.BuildSystemPrompt(activeMode))
		sessionManager.StartMaintenance(MaintenanceInterval)
	}

	composer := contextdoc.NewComposer(s.config, activeMode, observationStore,
		summaryStore, sessionStore, contextdoc.NewTranscriptReader(""))

	s.initMu.Lock()
	s.store = store
	s.sessionStore = sessionStore
	s.observationStore = observationStore
	s.summaryStore = summaryStore
	s.promptStore = promptStore
	s.queueStore = queueStore
	s.sessionManager = sessionManager
	s.composer = composer
	s.chromaClient = chromaClient
	s.chromaMirror = chromaMirror
	s.initMu.Unlock()

	s.ready.Store(true)
	log.Info().Msg("Async initialization complete, service ready")

	if chromaMirror != nil {
		s.wg.Add(1)
		go s.backfillMirror()
	}

	s.startSettingsWatcher()
}

// backfillMirror re-syncs observations missing from the vector mirror, one
// project at a time. Runs once after startup; failures only cost search
// quality until the next restart.
func (s *Service) backfillMirror() {
	defer s.wg.Done()

	projects, err := s.sessionStore.ListProjects(s.ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Mirror backfill skipped, project listing failed")
		return
	}
	for _, project := range projects {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.chromaMirror.Backfill(s.ctx, project)
		if err != nil {
			log.Warn().Err(err).Str("project", project).Msg("Mirror backfill failed")
			continue
		}
		if n > 0 {
			log.Info().Str("project", project).Int("observations", n).Msg("Mirror backfill complete")
		}
	}
}

// startSettingsWatcher watches the data and modes directories. A settings,
// credential, or mode change triggers a clean exit; hooks restart the worker
// with the new configuration.
func (s *Service) startSettingsWatcher() {
	w, err := watcher.New([]string{config.DataDir(), config.ModesDir()}, SettingsDebounce, func(path string) {
		log.Info().Str("path", path).Msg("Settings changed, restarting worker")
		s.sseBroadcaster.Broadcast("config_changed", map[string]interface{}{
			"path": path,
		})
		// Give stream clients a moment to receive the frame.
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Settings watcher unavailable")
		return
	}
	s.settingsWatcher = w
}

// setInitError records an initialization failure.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
}

func (s *Service) setupRoutes() {
	// The event stream stays open for the client's lifetime, so it lives
	// outside the per-request timeout. It also works before init completes.
	s.router.Get("/stream", s.handleStream)

	// Liveness works during init so hooks can poll for startup.
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/ready", s.handleReady)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.requireReady)

		r.Post("/api/sessions/init", s.handleSessionInit)
		r.Post("/api/sessions/observations", s.handleObservation)
		r.Post("/api/sessions/summarize", s.handleSummarize)
		r.Post("/api/sessions/complete", s.handleSessionComplete)

		r.Get("/api/context/inject", s.handleContextInject)
		r.Get("/api/context/recent", s.handleContextRecent)
		r.Get("/api/search/observations", s.handleSearchObservations)
		r.Get("/api/timeline/by-query", s.handleTimelineByQuery)
		r.Get("/api/logs", s.handleLogs)

		r.Get("/api/stats", s.handleStats)
		r.Get("/api/projects", s.handleProjects)
	})
}

// Start binds the loopback listener and serves requests.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.WorkerHost, s.config.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("host", s.config.WorkerHost).
		Int("port", s.config.WorkerPort).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started, initialization in progress")

	return nil
}

// Shutdown drains sessions and releases every resource.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.settingsWatcher != nil {
		s.settingsWatcher.Stop()
	}
	if s.sessionManager != nil {
		s.sessionManager.Shutdown()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	if s.chromaClient != nil {
		if err := s.chromaClient.Close(); err != nil {
			log.Error().Err(err).Msg("Chroma close error")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	s.wg.Wait()
	log.Info().Msg("Worker service shutdown complete")
	return nil
}

// broadcastProcessingStatus pushes queue depth and agent activity to stream
// clients after ingest events.
func (s *Service) broadcastProcessingStatus() {
	depths, err := s.queueStore.QueueDepths(s.ctx)
	if err != nil {
		return
	}
	active := 0
	if s.sessionManager != nil {
		active = s.sessionManager.ActiveCount()
	}
	s.sseBroadcaster.Broadcast("processing_status", map[string]interface{}{
		"queue_depths":  depths,
		"active_agents": active,
		"is_processing": depths["processing"] > 0,
		"pending_depth": depths["pending"],
	})
}
