package worker

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// SessionInitRequest is the body for session initialization.
type SessionInitRequest struct {
	ContentSessionID string `json:"content_session_id"`
	Project          string `json:"project"`
	Prompt           string `json:"prompt"`
}

// SessionInitResponse is the reply for session initialization.
type SessionInitResponse struct {
	SessionDBID  int64  `json:"session_db_id"`
	PromptNumber int    `json:"prompt_number"`
	Skipped      bool   `json:"skipped,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// handleSessionInit registers a session and its latest user prompt. The
// handler is idempotent per content session id.
func (s *Service) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req SessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentSessionID == "" || req.Project == "" {
		http.Error(w, "content_session_id and project required", http.StatusBadRequest)
		return
	}

	if s.config.IsProjectExcluded(req.Project) {
		writeJSON(w, SessionInitResponse{Skipped: true, Reason: "project excluded"})
		return
	}

	var sessionDBID int64
	if s.sessionManager != nil {
		active, err := s.sessionManager.InitializeSession(r.Context(),
			req.ContentSessionID, req.Project, req.Prompt, s.config.WorkerPort)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessionDBID = active.SessionDBID
	} else {
		// No provider configured: record the session anyway so observations
		// queue against it.
		id, err := s.sessionStore.CreateSession(r.Context(),
			req.ContentSessionID, req.Project, req.Prompt, s.config.WorkerPort)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessionDBID = id
	}

	promptNumber, err := s.sessionStore.IncrementPromptCounter(r.Context(), req.ContentSessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if req.Prompt != "" {
		if _, err := s.promptStore.SaveUserPrompt(r.Context(), req.ContentSessionID, promptNumber, req.Prompt); err != nil {
			log.Warn().Err(err).Msg("Failed to save user prompt")
		}
	}

	log.Info().
		Int64("sessionId", sessionDBID).
		Int("promptNumber", promptNumber).
		Str("project", req.Project).
		Msg("Session initialized")

	s.sseBroadcaster.Broadcast("prompt", map[string]interface{}{
		"project":       req.Project,
		"prompt_number": promptNumber,
	})

	writeJSON(w, SessionInitResponse{
		SessionDBID:  sessionDBID,
		PromptNumber: promptNumber,
	})
}

// ObservationRequest is the body for tool-use ingestion. Tool payloads stay
// raw JSON; the agent prompt carries them verbatim.
type ObservationRequest struct {
	ContentSessionID string          `json:"content_session_id"`
	Project          string          `json:"project,omitempty"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	CWD              string          `json:"cwd,omitempty"`
}

// handleObservation accepts a tool-use event and enqueues it. The caller
// gets 200 as soon as the row is committed; provider work happens later.
func (s *Service) handleObservation(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentSessionID == "" {
		http.Error(w, "content_session_id required", http.StatusBadRequest)
		return
	}

	if s.config.ShouldSkipTool(req.ToolName) {
		writeJSON(w, map[string]interface{}{"skipped": true, "reason": "tool skipped"})
		return
	}

	sess, err := s.sessionStore.GetByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		// Hook ordering is not guaranteed; register the session on the fly
		// when the event names its project.
		if req.Project == "" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if _, err := s.sessionStore.CreateSession(r.Context(), req.ContentSessionID, req.Project, "", s.config.WorkerPort); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s.sessionManager != nil {
			if _, err := s.sessionManager.InitializeSession(r.Context(),
				req.ContentSessionID, req.Project, "", s.config.WorkerPort); err != nil {
				log.Warn().Err(err).Msg("Failed to start agent loop for late session")
			}
		}
		sess, err = s.sessionStore.GetByContentID(r.Context(), req.ContentSessionID)
		if err != nil || sess == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	if s.config.IsProjectExcluded(sess.Project) {
		writeJSON(w, map[string]interface{}{"skipped": true, "reason": "project excluded"})
		return
	}

	if _, err := s.queueStore.Enqueue(r.Context(), sqlite.EnqueueParams{
		SessionDBID:      sess.ID,
		ContentSessionID: req.ContentSessionID,
		MessageType:      models.MessageObservation,
		ToolName:         req.ToolName,
		ToolInput:        string(req.ToolInput),
		ToolResponse:     string(req.ToolResponse),
		CWD:              req.CWD,
		PromptNumber:     sess.PromptCounter,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.sessionManager != nil {
		s.sessionManager.Notify(sess.ID)
	}
	s.broadcastProcessingStatus()
	w.WriteHeader(http.StatusOK)
}

// SummarizeRequest is the body for summary checkpoints.
type SummarizeRequest struct {
	ContentSessionID     string `json:"content_session_id"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

// handleSummarize enqueues a summary checkpoint for the session.
func (s *Service) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentSessionID == "" {
		http.Error(w, "content_session_id required", http.StatusBadRequest)
		return
	}

	sess, err := s.sessionStore.GetByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if _, err := s.queueStore.Enqueue(r.Context(), sqlite.EnqueueParams{
		SessionDBID:          sess.ID,
		ContentSessionID:     req.ContentSessionID,
		MessageType:          models.MessageSummarize,
		LastAssistantMessage: req.LastAssistantMessage,
		PromptNumber:         sess.PromptCounter,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.sessionManager != nil {
		s.sessionManager.Notify(sess.ID)
	}
	s.broadcastProcessingStatus()
	w.WriteHeader(http.StatusOK)
}

// SessionCompleteRequest is the body for session completion.
type SessionCompleteRequest struct {
	ContentSessionID string `json:"content_session_id"`
}

// handleSessionComplete asks the session's loop to drain and finish. With no
// agent loop running the session is marked completed directly.
func (s *Service) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req SessionCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentSessionID == "" {
		http.Error(w, "content_session_id required", http.StatusBadRequest)
		return
	}

	if s.sessionManager != nil && s.sessionManager.Get(req.ContentSessionID) != nil {
		s.sessionManager.Complete(req.ContentSessionID)
	} else if err := s.sessionStore.MarkCompleted(r.Context(), req.ContentSessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.broadcastProcessingStatus()
	w.WriteHeader(http.StatusOK)
}
