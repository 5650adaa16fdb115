package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SessionSummary captures what a session did, learned, and left behind.
// Sessions may accumulate more than one summary.
type SessionSummary struct {
	MemorySessionID string          `db:"memory_session_id" json:"memory_session_id"`
	Project         string          `db:"project" json:"project"`
	CreatedAt       string          `db:"created_at" json:"created_at"`
	Request         sql.NullString  `db:"request" json:"request,omitempty"`
	Investigated    sql.NullString  `db:"investigated" json:"investigated,omitempty"`
	Learned         sql.NullString  `db:"learned" json:"learned,omitempty"`
	Completed       sql.NullString  `db:"completed" json:"completed,omitempty"`
	NextSteps       sql.NullString  `db:"next_steps" json:"next_steps,omitempty"`
	Notes           sql.NullString  `db:"notes" json:"notes,omitempty"`
	FilesRead       JSONStringArray `db:"files_read" json:"files_read,omitempty"`
	FilesEdited     JSONStringArray `db:"files_edited" json:"files_edited,omitempty"`
	PromptNumber    sql.NullInt64   `db:"prompt_number" json:"prompt_number,omitempty"`
	DiscoveryTokens int64           `db:"discovery_tokens" json:"discovery_tokens"`
	ID              int64           `db:"id" json:"id"`
	CreatedAtEpoch  int64           `db:"created_at_epoch" json:"created_at_epoch"`
}

// ParsedSummary is a summary parsed from a provider reply.
type ParsedSummary struct {
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
	Notes        string
	FilesRead    []string
	FilesEdited  []string
}

// NewSessionSummary creates a stored summary from parsed data.
func NewSessionSummary(memorySessionID, project string, parsed *ParsedSummary, promptNumber int, discoveryTokens int64) *SessionSummary {
	now := time.Now()
	return &SessionSummary{
		MemorySessionID: memorySessionID,
		Project:         project,
		Request:         sql.NullString{String: parsed.Request, Valid: parsed.Request != ""},
		Investigated:    sql.NullString{String: parsed.Investigated, Valid: parsed.Investigated != ""},
		Learned:         sql.NullString{String: parsed.Learned, Valid: parsed.Learned != ""},
		Completed:       sql.NullString{String: parsed.Completed, Valid: parsed.Completed != ""},
		NextSteps:       sql.NullString{String: parsed.NextSteps, Valid: parsed.NextSteps != ""},
		Notes:           sql.NullString{String: parsed.Notes, Valid: parsed.Notes != ""},
		FilesRead:       parsed.FilesRead,
		FilesEdited:     parsed.FilesEdited,
		PromptNumber:    sql.NullInt64{Int64: int64(promptNumber), Valid: promptNumber > 0},
		DiscoveryTokens: discoveryTokens,
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
	}
}

// MarshalJSON flattens sql.Null* fields.
func (s *SessionSummary) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"id":                s.ID,
		"memory_session_id": s.MemorySessionID,
		"project":           s.Project,
		"created_at":        s.CreatedAt,
		"created_at_epoch":  s.CreatedAtEpoch,
		"discovery_tokens":  s.DiscoveryTokens,
	}
	set := func(key string, v sql.NullString) {
		if v.Valid {
			out[key] = v.String
		}
	}
	set("request", s.Request)
	set("investigated", s.Investigated)
	set("learned", s.Learned)
	set("completed", s.Completed)
	set("next_steps", s.NextSteps)
	set("notes", s.Notes)
	if len(s.FilesRead) > 0 {
		out["files_read"] = s.FilesRead
	}
	if len(s.FilesEdited) > 0 {
		out["files_edited"] = s.FilesEdited
	}
	if s.PromptNumber.Valid {
		out["prompt_number"] = s.PromptNumber.Int64
	}
	return json.Marshal(out)
}
