package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const messageColumns = `id, session_db_id, content_session_id, message_type, status,
       tool_name, tool_input, tool_response, cwd, last_assistant_message,
       COALESCE(prompt_number, 0), COALESCE(retry_count, 0), created_at_epoch,
       started_processing_at_epoch, completed_at_epoch, failed_at_epoch`

// QueueStore provides durable pending-message queue operations. Messages move
// pending -> processing -> processed | failed; a claim is a single guarded
// UPDATE so two claimants can never hold the same message.
type QueueStore struct {
	store *Store
}

// NewQueueStore creates a new queue store.
func NewQueueStore(store *Store) *QueueStore {
	return &QueueStore{store: store}
}

// EnqueueParams describes one message to enqueue.
type EnqueueParams struct {
	SessionDBID          int64
	ContentSessionID     string
	MessageType          models.MessageType
	ToolName             string
	ToolInput            string
	ToolResponse         string
	CWD                  string
	LastAssistantMessage string
	PromptNumber         int
}

// Enqueue appends a pending message to the session's FIFO and returns its id.
func (s *QueueStore) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	const query = `
		INSERT INTO pending_messages
		(session_db_id, content_session_id, message_type, status, tool_name, tool_input,
		 tool_response, cwd, last_assistant_message, prompt_number, created_at_epoch)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.store.ExecContext(ctx, query,
		p.SessionDBID, p.ContentSessionID, string(p.MessageType),
		nullString(p.ToolName), nullString(p.ToolInput), nullString(p.ToolResponse),
		nullString(p.CWD), nullString(p.LastAssistantMessage),
		p.PromptNumber, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	return result.LastInsertId()
}

// ClaimNext claims the oldest pending message for a session, transitioning it
// to processing. Returns nil when the session's queue is empty. The guarded
// UPDATE claims exactly one row or none.
func (s *QueueStore) ClaimNext(ctx context.Context, sessionDBID int64) (*models.PendingMessage, error) {
	const claim = `
		UPDATE pending_messages
		SET status = 'processing', started_processing_at_epoch = ?
		WHERE id = (
			SELECT id FROM pending_messages
			WHERE session_db_id = ? AND status = 'pending'
			ORDER BY id ASC LIMIT 1
		) AND status = 'pending'
		RETURNING ` + messageColumns

	row := s.store.db.QueryRowContext(ctx, claim, time.Now().UnixMilli(), sessionDBID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return msg, nil
}

// Release returns a claimed message to pending with its retry count bumped.
// Messages past the retry ceiling are marked failed instead.
func (s *QueueStore) Release(ctx context.Context, messageID int64, retryLimit int) error {
	now := time.Now().UnixMilli()

	res, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', retry_count = retry_count + 1, started_processing_at_epoch = NULL
		WHERE id = ? AND status = 'processing' AND retry_count < ?`,
		messageID, retryLimit)
	if err != nil {
		return fmt.Errorf("release message %d: %w", messageID, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	// Either the retry ceiling is reached or the claim was lost; only the
	// former needs the failed transition.
	_, err = s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'failed', failed_at_epoch = ?
		WHERE id = ? AND status = 'processing'`,
		now, messageID)
	return err
}

// MarkFailed permanently fails a claimed message.
func (s *QueueStore) MarkFailed(ctx context.Context, messageID int64) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'failed', failed_at_epoch = ?
		WHERE id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), messageID)
	return err
}

// RecoverStale returns messages stuck in processing longer than the given
// threshold to pending. Covers claims orphaned by a crashed or killed worker.
func (s *QueueStore) RecoverStale(ctx context.Context, staleAfterMS int64) (int64, error) {
	cutoff := time.Now().UnixMilli() - staleAfterMS

	res, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', retry_count = retry_count + 1, started_processing_at_epoch = NULL
		WHERE status = 'processing' AND started_processing_at_epoch < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale messages: %w", err)
	}
	return res.RowsAffected()
}

// FailExhausted fails pending messages that exceeded the retry ceiling.
func (s *QueueStore) FailExhausted(ctx context.Context, retryLimit int) (int64, error) {
	res, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'failed', failed_at_epoch = ?
		WHERE status = 'pending' AND retry_count >= ?`,
		time.Now().UnixMilli(), retryLimit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingCount returns the number of pending messages for a session.
func (s *QueueStore) PendingCount(ctx context.Context, sessionDBID int64) (int64, error) {
	var n int64
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ? AND status = 'pending'",
		sessionDBID).Scan(&n)
	return n, err
}

// QueueDepths reports queue size per status across all sessions.
func (s *QueueStore) QueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM pending_messages GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		depths[status] = n
	}
	return depths, rows.Err()
}

// PurgeProcessed deletes confirmed messages older than the given age.
func (s *QueueStore) PurgeProcessed(ctx context.Context, olderThanMS int64) (int64, error) {
	cutoff := time.Now().UnixMilli() - olderThanMS

	res, err := s.store.ExecContext(ctx, `
		DELETE FROM pending_messages
		WHERE status = 'processed' AND completed_at_epoch < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessage(scanner rowScanner) (*models.PendingMessage, error) {
	var msg models.PendingMessage
	err := scanner.Scan(
		&msg.ID, &msg.SessionDBID, &msg.ContentSessionID, &msg.MessageType, &msg.Status,
		&msg.ToolName, &msg.ToolInput, &msg.ToolResponse, &msg.CWD, &msg.LastAssistantMessage,
		&msg.PromptNumber, &msg.RetryCount, &msg.CreatedAtEpoch,
		&msg.StartedProcessingAt, &msg.CompletedAtEpoch, &msg.FailedAtEpoch,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
