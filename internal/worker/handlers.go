package worker

import (
	"net/http"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultSearchLimit is the default number of semantic search hits.
const DefaultSearchLimit = 20

// DefaultRecentLimit is the default number of recent observations returned.
const DefaultRecentLimit = 50

// DefaultLogTail is the default number of log lines returned.
const DefaultLogTail = 100

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// parseLimit reads a positive limit query parameter, falling back to def.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// handleHealth responds immediately, even during initialization, so hooks
// can tell a starting worker from a dead one.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"pid":     os.Getpid(),
	})
}

// handleReady returns 200 only once initialization has finished.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady gates data routes until async initialization completes.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleStats reports worker activity counters.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queueStore.QueueDepths(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	active := 0
	if s.sessionManager != nil {
		active = s.sessionManager.ActiveCount()
	}

	response := map[string]interface{}{
		"uptime":            time.Since(s.startTime).Round(time.Second).String(),
		"version":           s.version,
		"active_agents":     active,
		"queue_depths":      depths,
		"connected_clients": s.sseBroadcaster.ClientCount(),
		"vector_mirror":     s.chromaClient != nil && s.chromaClient.IsConnected(),
		"ready":             s.ready.Load(),
	}

	if project := r.URL.Query().Get("project"); project != "" {
		response["project"] = project
		if count, err := s.observationStore.CountByProject(r.Context(), project); err == nil {
			response["project_observations"] = count
		}
		if tokens, err := s.observationStore.TotalDiscoveryTokens(r.Context(), project); err == nil {
			response["discovery_tokens"] = tokens
		}
	}

	writeJSON(w, response)
}

// handleProjects lists every project seen across sessions.
func (s *Service) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.sessionStore.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, projects)
}

// handleStream serves the server-sent-event stream. The connection stays
// open until the client goes away or the worker shuts down.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := s.sseBroadcaster.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.sseBroadcaster.RemoveClient(client)

	// Comment frame confirms the stream is live before the first event.
	_, _ = w.Write([]byte(": connected\n\n"))
	client.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-client.Done:
	case <-s.ctx.Done():
	}
}
