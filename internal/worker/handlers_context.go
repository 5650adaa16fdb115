package worker

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/contextdoc"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/logtail"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// DefaultTimelineDepth is how many observation ids the timeline widens in
// each direction around the anchor.
const DefaultTimelineDepth = 5

// handleContextInject returns the composed recent-context document as
// Markdown. colors=true adds terminal color codes for display.
func (s *Service) handleContextInject(w http.ResponseWriter, r *http.Request) {
	projectsParam := r.URL.Query().Get("projects")
	if projectsParam == "" {
		http.Error(w, "projects required", http.StatusBadRequest)
		return
	}

	var projects []string
	for _, p := range strings.Split(projectsParam, ",") {
		if p = strings.TrimSpace(p); p != "" {
			projects = append(projects, p)
		}
	}

	doc, err := s.composer.Compose(r.Context(), contextdoc.Options{
		Projects: projects,
		Colors:   r.URL.Query().Get("colors") == "true",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// handleContextRecent returns recent observations as structured JSON.
func (s *Service) handleContextRecent(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		http.Error(w, "project required", http.StatusBadRequest)
		return
	}

	observations, err := s.observationStore.GetRecent(r.Context(), sqlite.ObservationFilter{
		Project: project,
		Limit:   parseLimit(r, DefaultRecentLimit),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if observations == nil {
		observations = []*models.Observation{}
	}
	writeJSON(w, map[string]interface{}{
		"project":      project,
		"observations": observations,
	})
}

// handleSearchObservations serves semantic search. The vector mirror answers
// when connected; otherwise full-text search takes over and the response is
// flagged degraded. Mirror outages never turn into 5xx responses.
func (s *Service) handleSearchObservations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}
	project := r.URL.Query().Get("project")
	limit := parseLimit(r, DefaultSearchLimit)

	observations, degraded := s.semanticSearch(r, project, query, limit)
	if observations == nil {
		observations = []*models.Observation{}
	}

	writeJSON(w, map[string]interface{}{
		"query":        query,
		"observations": observations,
		"degraded":     degraded,
	})
}

// semanticSearch resolves a query to observations, preferring the vector
// mirror and falling back to SQLite full-text search.
func (s *Service) semanticSearch(r *http.Request, project, query string, limit int) ([]*models.Observation, bool) {
	if project != "" && s.chromaClient != nil && s.chromaClient.IsConnected() {
		hits, err := s.chromaClient.Query(r.Context(), project, query, limit, nil)
		if err == nil {
			var observations []*models.Observation
			for _, hit := range hits {
				id, ok := sqliteID(hit.Metadata)
				if !ok {
					continue
				}
				obs, err := s.observationStore.GetByID(r.Context(), id)
				if err != nil || obs == nil {
					continue
				}
				observations = append(observations, obs)
			}
			return observations, false
		}
		log.Warn().Err(err).Str("project", project).Msg("Vector query failed, using full-text search")
	}

	observations, err := s.observationStore.Search(r.Context(), project, query, limit)
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Full-text search failed")
		return nil, true
	}
	return observations, true
}

// handleTimelineByQuery anchors on the best semantic match and widens by
// observation-id offsets, returning every record type inside the resulting
// time window.
func (s *Service) handleTimelineByQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}
	project := r.URL.Query().Get("project")
	depthBefore := parseDepth(r, "depth_before")
	depthAfter := parseDepth(r, "depth_after")

	anchor, ok := s.timelineAnchor(r, project, query)
	if !ok {
		writeJSON(w, map[string]interface{}{
			"query":        query,
			"observations": []*models.Observation{},
			"summaries":    []*models.SessionSummary{},
		})
		return
	}

	fromID := anchor - int64(depthBefore)
	if fromID < 1 {
		fromID = 1
	}
	observations, err := s.observationStore.GetByIDRange(r.Context(), project, fromID, anchor+int64(depthAfter))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var summaries []*models.SessionSummary
	if len(observations) > 0 {
		fromEpoch := observations[0].CreatedAtEpoch
		toEpoch := observations[len(observations)-1].CreatedAtEpoch
		summaries, err = s.summaryStore.GetInEpochRange(r.Context(), project, fromEpoch, toEpoch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if summaries == nil {
		summaries = []*models.SessionSummary{}
	}

	writeJSON(w, map[string]interface{}{
		"query":        query,
		"anchor_id":    anchor,
		"observations": observations,
		"summaries":    summaries,
	})
}

// timelineAnchor finds the observation id the timeline centers on: best
// vector hit when the mirror is up, best full-text hit otherwise.
func (s *Service) timelineAnchor(r *http.Request, project, query string) (int64, bool) {
	if project != "" && s.chromaClient != nil && s.chromaClient.IsConnected() {
		hits, err := s.chromaClient.Query(r.Context(), project, query, 1, nil)
		if err == nil && len(hits) > 0 {
			if id, ok := sqliteID(hits[0].Metadata); ok {
				return id, true
			}
		}
	}

	observations, err := s.observationStore.Search(r.Context(), project, query, 1)
	if err != nil || len(observations) == 0 {
		return 0, false
	}
	return observations[0].ID, true
}

// handleLogs returns the last N lines of a worker log file without reading
// the whole file. Requests outside the log directory are rejected.
func (s *Service) handleLogs(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		http.Error(w, "file required", http.StatusBadRequest)
		return
	}

	// Log files live flat in the logs directory; anything path-like is a
	// traversal attempt.
	if file != filepath.Base(file) || file == "." || file == ".." {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	path := filepath.Join(config.LogsDir(), file)

	tail := DefaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}

	lines, err := logtail.Tail(path, tail)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "log file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if lines == nil {
		lines = []string{}
	}

	writeJSON(w, map[string]interface{}{
		"file":  file,
		"lines": lines,
	})
}

func parseDepth(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return DefaultTimelineDepth
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return DefaultTimelineDepth
	}
	return n
}

// sqliteID pulls the relational row id out of vector hit metadata.
func sqliteID(metadata map[string]any) (int64, bool) {
	switch v := metadata["sqlite_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}
