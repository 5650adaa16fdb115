package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const sessionColumns = `id, content_session_id, memory_session_id, project, user_prompt, custom_title,
       started_at, started_at_epoch, completed_at_epoch, worker_port,
       COALESCE(prompt_counter, 0) as prompt_counter, status`

// SessionStore provides session-related database operations.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// CreateSession registers a session row for a content session. It is
// idempotent: re-registering an existing session backfills user_prompt and
// worker_port when they were previously empty and returns the existing row id.
func (s *SessionStore) CreateSession(ctx context.Context, contentSessionID, project, userPrompt string, workerPort int) (int64, error) {
	now := time.Now()

	const insert = `
		INSERT OR IGNORE INTO sdk_sessions
		(content_session_id, project, user_prompt, started_at, started_at_epoch, worker_port, status)
		VALUES (?, ?, ?, ?, ?, ?, 'active')
	`
	result, err := s.store.ExecContext(ctx, insert,
		contentSessionID, project, nullString(userPrompt),
		now.Format(time.RFC3339), now.UnixMilli(), nullInt(workerPort),
	)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	// last_insert_rowid is per-connection and survives an ignored insert, so
	// only the affected-row count says whether this call created the row.
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	if affected == 1 {
		return result.LastInsertId()
	}

	// Existing row: backfill fields that arrive on later registration calls.
	const backfill = `
		UPDATE sdk_sessions
		SET user_prompt = COALESCE(user_prompt, ?),
		    worker_port = COALESCE(worker_port, ?)
		WHERE content_session_id = ?
	`
	if _, err := s.store.ExecContext(ctx, backfill, nullString(userPrompt), nullInt(workerPort), contentSessionID); err != nil {
		return 0, fmt.Errorf("backfill session: %w", err)
	}

	var id int64
	row := s.store.QueryRowContext(ctx, "SELECT id FROM sdk_sessions WHERE content_session_id = ?", contentSessionID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup session: %w", err)
	}
	return id, nil
}

// RegisterMemorySessionID binds the provider-assigned memory session identity
// to a session. The FK ON UPDATE CASCADE propagates renames to observations
// and summaries already keyed by an earlier identity.
func (s *SessionStore) RegisterMemorySessionID(ctx context.Context, contentSessionID, memorySessionID string) error {
	if memorySessionID == contentSessionID {
		return fmt.Errorf("memory session id must differ from content session id %q", contentSessionID)
	}
	_, err := s.store.ExecContext(ctx,
		"UPDATE sdk_sessions SET memory_session_id = ? WHERE content_session_id = ?",
		memorySessionID, contentSessionID,
	)
	return err
}

// IncrementPromptCounter bumps the session's prompt counter and returns the
// new value.
func (s *SessionStore) IncrementPromptCounter(ctx context.Context, contentSessionID string) (int, error) {
	_, err := s.store.ExecContext(ctx,
		"UPDATE sdk_sessions SET prompt_counter = COALESCE(prompt_counter, 0) + 1 WHERE content_session_id = ?",
		contentSessionID,
	)
	if err != nil {
		return 0, err
	}

	var counter int
	row := s.store.QueryRowContext(ctx,
		"SELECT COALESCE(prompt_counter, 0) FROM sdk_sessions WHERE content_session_id = ?", contentSessionID)
	if err := row.Scan(&counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// MarkCompleted transitions a session to completed.
func (s *SessionStore) MarkCompleted(ctx context.Context, contentSessionID string) error {
	return s.markStatus(ctx, contentSessionID, models.SessionCompleted)
}

// MarkFailed transitions a session to failed.
func (s *SessionStore) MarkFailed(ctx context.Context, contentSessionID string) error {
	return s.markStatus(ctx, contentSessionID, models.SessionFailed)
}

func (s *SessionStore) markStatus(ctx context.Context, contentSessionID string, status models.SessionStatus) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE sdk_sessions SET status = ?, completed_at_epoch = ? WHERE content_session_id = ?",
		string(status), time.Now().UnixMilli(), contentSessionID,
	)
	return err
}

// SetCustomTitle stores a user-assigned title for the session.
func (s *SessionStore) SetCustomTitle(ctx context.Context, contentSessionID, title string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE sdk_sessions SET custom_title = ? WHERE content_session_id = ?",
		nullString(title), contentSessionID,
	)
	return err
}

// GetByContentID fetches a session by its content session identifier.
// Returns nil when no such session exists.
func (s *SessionStore) GetByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sdk_sessions WHERE content_session_id = ?", contentSessionID)
	return scanSession(row)
}

// GetByMemoryID fetches a session by its memory session identifier.
func (s *SessionStore) GetByMemoryID(ctx context.Context, memorySessionID string) (*models.Session, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sdk_sessions WHERE memory_session_id = ?", memorySessionID)
	return scanSession(row)
}

// ListRecent returns the most recently started sessions, newest first,
// optionally filtered by project.
func (s *SessionStore) ListRecent(ctx context.Context, project string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + sessionColumns + " FROM sdk_sessions"
	args := []interface{}{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY started_at_epoch DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListProjects returns the distinct project names with stored sessions.
func (s *SessionStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT DISTINCT project FROM sdk_sessions ORDER BY project")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID, &session.ContentSessionID, &session.MemorySessionID,
		&session.Project, &session.UserPrompt, &session.CustomTitle,
		&session.StartedAt, &session.StartedAtEpoch, &session.CompletedAtEpoch,
		&session.WorkerPort, &session.PromptCounter, &session.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	var session models.Session
	err := rows.Scan(
		&session.ID, &session.ContentSessionID, &session.MemorySessionID,
		&session.Project, &session.UserPrompt, &session.CustomTitle,
		&session.StartedAt, &session.StartedAtEpoch, &session.CompletedAtEpoch,
		&session.WorkerPort, &session.PromptCounter, &session.Status,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
