// Package models contains domain models for claude-mem.
package models

import (
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ObservationType is the mode-validated type tag of an observation.
type ObservationType string

const (
	ObsTypeDecision  ObservationType = "decision"
	ObsTypeBugfix    ObservationType = "bugfix"
	ObsTypeFeature   ObservationType = "feature"
	ObsTypeRefactor  ObservationType = "refactor"
	ObsTypeDiscovery ObservationType = "discovery"
	ObsTypeChange    ObservationType = "change"
)

// JSONStringArray is a custom type for handling JSON string arrays in SQLite.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Observation is a structured record extracted from a single tool invocation.
// MemorySessionID threads it to the owning session's memory-agent identity.
type Observation struct {
	MemorySessionID string          `db:"memory_session_id" json:"memory_session_id"`
	Project         string          `db:"project" json:"project"`
	Type            ObservationType `db:"type" json:"type"`
	CreatedAt       string          `db:"created_at" json:"created_at"`
	ContentHash     string          `db:"content_hash" json:"content_hash"`
	Title           sql.NullString  `db:"title" json:"title,omitempty"`
	Subtitle        sql.NullString  `db:"subtitle" json:"subtitle,omitempty"`
	Narrative       sql.NullString  `db:"narrative" json:"narrative,omitempty"`
	Facts           JSONStringArray `db:"facts" json:"facts,omitempty"`
	Concepts        JSONStringArray `db:"concepts" json:"concepts,omitempty"`
	FilesRead       JSONStringArray `db:"files_read" json:"files_read,omitempty"`
	FilesModified   JSONStringArray `db:"files_modified" json:"files_modified,omitempty"`
	PromptNumber    sql.NullInt64   `db:"prompt_number" json:"prompt_number,omitempty"`
	DiscoveryTokens int64           `db:"discovery_tokens" json:"discovery_tokens"`
	ID              int64           `db:"id" json:"id"`
	CreatedAtEpoch  int64           `db:"created_at_epoch" json:"created_at_epoch"`
}

// ParsedObservation is an observation parsed from a provider reply.
type ParsedObservation struct {
	Type          ObservationType
	Title         string
	Subtitle      string
	Narrative     string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
}

// ContentHash computes the 16-hex-char truncated SHA-256 used for the
// same-session near-duplicate window.
func ContentHash(memorySessionID, title, narrative string) string {
	h := sha256.New()
	h.Write([]byte(memorySessionID))
	h.Write([]byte(title))
	h.Write([]byte(narrative))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewObservation creates a stored observation from parsed data.
func NewObservation(memorySessionID, project string, parsed *ParsedObservation, promptNumber int, discoveryTokens int64) *Observation {
	now := time.Now()

	return &Observation{
		MemorySessionID: memorySessionID,
		Project:         project,
		Type:            parsed.Type,
		Title:           sql.NullString{String: parsed.Title, Valid: parsed.Title != ""},
		Subtitle:        sql.NullString{String: parsed.Subtitle, Valid: parsed.Subtitle != ""},
		Narrative:       sql.NullString{String: parsed.Narrative, Valid: parsed.Narrative != ""},
		Facts:           parsed.Facts,
		Concepts:        parsed.Concepts,
		FilesRead:       parsed.FilesRead,
		FilesModified:   parsed.FilesModified,
		PromptNumber:    sql.NullInt64{Int64: int64(promptNumber), Valid: promptNumber > 0},
		DiscoveryTokens: discoveryTokens,
		ContentHash:     ContentHash(memorySessionID, parsed.Title, parsed.Narrative),
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
	}
}

// ObservationJSON is a JSON-friendly representation of Observation.
// It converts sql.Null* fields to plain values for clean JSON output.
type ObservationJSON struct {
	MemorySessionID string          `json:"memory_session_id"`
	Project         string          `json:"project"`
	Type            ObservationType `json:"type"`
	Title           string          `json:"title,omitempty"`
	Subtitle        string          `json:"subtitle,omitempty"`
	Narrative       string          `json:"narrative,omitempty"`
	CreatedAt       string          `json:"created_at"`
	ContentHash     string          `json:"content_hash"`
	Facts           []string        `json:"facts,omitempty"`
	Concepts        []string        `json:"concepts,omitempty"`
	FilesRead       []string        `json:"files_read,omitempty"`
	FilesModified   []string        `json:"files_modified,omitempty"`
	PromptNumber    int64           `json:"prompt_number,omitempty"`
	DiscoveryTokens int64           `json:"discovery_tokens"`
	ID              int64           `json:"id"`
	CreatedAtEpoch  int64           `json:"created_at_epoch"`
}

// MarshalJSON implements json.Marshaler for Observation.
func (o *Observation) MarshalJSON() ([]byte, error) {
	j := ObservationJSON{
		ID:              o.ID,
		MemorySessionID: o.MemorySessionID,
		Project:         o.Project,
		Type:            o.Type,
		Facts:           o.Facts,
		Concepts:        o.Concepts,
		FilesRead:       o.FilesRead,
		FilesModified:   o.FilesModified,
		DiscoveryTokens: o.DiscoveryTokens,
		ContentHash:     o.ContentHash,
		CreatedAt:       o.CreatedAt,
		CreatedAtEpoch:  o.CreatedAtEpoch,
	}
	if o.Title.Valid {
		j.Title = o.Title.String
	}
	if o.Subtitle.Valid {
		j.Subtitle = o.Subtitle.String
	}
	if o.Narrative.Valid {
		j.Narrative = o.Narrative.String
	}
	if o.PromptNumber.Valid {
		j.PromptNumber = o.PromptNumber.Int64
	}
	return json.Marshal(j)
}

// ToMap converts the observation to a map for JSON response building.
func (o *Observation) ToMap() map[string]interface{} {
	data, err := json.Marshal(o)
	if err != nil {
		return map[string]interface{}{"id": o.ID, "error": err.Error()}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]interface{}{"id": o.ID, "error": err.Error()}
	}
	return result
}
