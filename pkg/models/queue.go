package models

import "database/sql"

// MessageType distinguishes queued work items.
type MessageType string

const (
	MessageObservation MessageType = "observation"
	MessageSummarize   MessageType = "summarize"
)

// MessageStatus is the claim-confirm state of a pending message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusProcessed  MessageStatus = "processed"
	StatusFailed     MessageStatus = "failed"
)

// PendingMessage is one durable work item in the per-session FIFO.
// ToolInput and ToolResponse are JSON strings; both are nulled once the
// message is confirmed processed.
type PendingMessage struct {
	ContentSessionID     string         `db:"content_session_id" json:"content_session_id"`
	MessageType          MessageType    `db:"message_type" json:"message_type"`
	Status               MessageStatus  `db:"status" json:"status"`
	ToolName             sql.NullString `db:"tool_name" json:"tool_name,omitempty"`
	ToolInput            sql.NullString `db:"tool_input" json:"tool_input,omitempty"`
	ToolResponse         sql.NullString `db:"tool_response" json:"tool_response,omitempty"`
	CWD                  sql.NullString `db:"cwd" json:"cwd,omitempty"`
	LastAssistantMessage sql.NullString `db:"last_assistant_message" json:"last_assistant_message,omitempty"`
	ID                   int64          `db:"id" json:"id"`
	SessionDBID          int64          `db:"session_db_id" json:"session_db_id"`
	PromptNumber         int            `db:"prompt_number" json:"prompt_number"`
	RetryCount           int            `db:"retry_count" json:"retry_count"`
	CreatedAtEpoch       int64          `db:"created_at_epoch" json:"created_at_epoch"`
	StartedProcessingAt  sql.NullInt64  `db:"started_processing_at_epoch" json:"started_processing_at_epoch,omitempty"`
	CompletedAtEpoch     sql.NullInt64  `db:"completed_at_epoch" json:"completed_at_epoch,omitempty"`
	FailedAtEpoch        sql.NullInt64  `db:"failed_at_epoch" json:"failed_at_epoch,omitempty"`
}
