package models

import (
	"database/sql"
	"encoding/json"
)

// SessionStatus is the lifecycle state of a session row.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is one user conversation. ContentSessionID is the editor-assigned
// identifier; MemorySessionID is the memory agent's own provider-side session
// identity. The two must never be equal.
type Session struct {
	ContentSessionID string         `db:"content_session_id" json:"content_session_id"`
	MemorySessionID  sql.NullString `db:"memory_session_id" json:"memory_session_id,omitempty"`
	Project          string         `db:"project" json:"project"`
	UserPrompt       sql.NullString `db:"user_prompt" json:"user_prompt,omitempty"`
	CustomTitle      sql.NullString `db:"custom_title" json:"custom_title,omitempty"`
	StartedAt        string         `db:"started_at" json:"started_at"`
	Status           SessionStatus  `db:"status" json:"status"`
	ID               int64          `db:"id" json:"id"`
	StartedAtEpoch   int64          `db:"started_at_epoch" json:"started_at_epoch"`
	CompletedAtEpoch sql.NullInt64  `db:"completed_at_epoch" json:"completed_at_epoch,omitempty"`
	WorkerPort       sql.NullInt64  `db:"worker_port" json:"worker_port,omitempty"`
	PromptCounter    int            `db:"prompt_counter" json:"prompt_counter"`
}

// MarshalJSON flattens sql.Null* fields.
func (s *Session) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"id":                 s.ID,
		"content_session_id": s.ContentSessionID,
		"project":            s.Project,
		"started_at":         s.StartedAt,
		"started_at_epoch":   s.StartedAtEpoch,
		"status":             s.Status,
		"prompt_counter":     s.PromptCounter,
	}
	if s.MemorySessionID.Valid {
		out["memory_session_id"] = s.MemorySessionID.String
	}
	if s.UserPrompt.Valid {
		out["user_prompt"] = s.UserPrompt.String
	}
	if s.CustomTitle.Valid {
		out["custom_title"] = s.CustomTitle.String
	}
	if s.CompletedAtEpoch.Valid {
		out["completed_at_epoch"] = s.CompletedAtEpoch.Int64
	}
	if s.WorkerPort.Valid {
		out["worker_port"] = s.WorkerPort.Int64
	}
	return json.Marshal(out)
}

// UserPrompt is one user prompt in a session, unique per
// (content_session_id, prompt_number).
type UserPrompt struct {
	ContentSessionID string `db:"content_session_id" json:"content_session_id"`
	PromptText       string `db:"prompt_text" json:"prompt_text"`
	CreatedAt        string `db:"created_at" json:"created_at"`
	ID               int64  `db:"id" json:"id"`
	PromptNumber     int    `db:"prompt_number" json:"prompt_number"`
	CreatedAtEpoch   int64  `db:"created_at_epoch" json:"created_at_epoch"`
}
