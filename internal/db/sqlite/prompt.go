package sqlite

import (
	"context"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// PromptStore provides user prompt-related database operations.
type PromptStore struct {
	store *Store
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{store: store}
}

// SaveUserPrompt saves a user prompt. Uses INSERT OR IGNORE so duplicate
// (content_session_id, prompt_number) pairs from repeated hook invocations
// are silently collapsed onto the first row.
func (s *PromptStore) SaveUserPrompt(ctx context.Context, contentSessionID string, promptNumber int, promptText string) (int64, error) {
	now := time.Now()

	const query = `
		INSERT OR IGNORE INTO user_prompts
		(content_session_id, prompt_number, prompt_text, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.store.ExecContext(ctx, query,
		contentSessionID, promptNumber, promptText,
		now.Format(time.RFC3339), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	// last_insert_rowid survives an ignored insert on the same pooled
	// connection; the affected-row count decides which path this is.
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 1 {
		return result.LastInsertId()
	}

	// Insert was ignored (duplicate) - fetch the existing row id.
	var id int64
	row := s.store.QueryRowContext(ctx,
		"SELECT id FROM user_prompts WHERE content_session_id = ? AND prompt_number = ?",
		contentSessionID, promptNumber)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetForSession returns all prompts of a session ordered by prompt number.
func (s *PromptStore) GetForSession(ctx context.Context, contentSessionID string) ([]*models.UserPrompt, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT id, content_session_id, prompt_number, prompt_text, created_at, created_at_epoch
		FROM user_prompts
		WHERE content_session_id = ?
		ORDER BY prompt_number ASC`,
		contentSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []*models.UserPrompt
	for rows.Next() {
		var p models.UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt, &p.CreatedAtEpoch); err != nil {
			return nil, err
		}
		prompts = append(prompts, &p)
	}
	return prompts, rows.Err()
}

// SearchPrompts performs full-text search over stored prompts, falling back
// to LIKE when the FTS5 table is unavailable.
func (s *PromptStore) SearchPrompts(ctx context.Context, query string, limit int) ([]*models.UserPrompt, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.store.QueryContext(ctx, `
		SELECT p.id, p.content_session_id, p.prompt_number, p.prompt_text, p.created_at, p.created_at_epoch
		FROM user_prompts p
		JOIN user_prompts_fts f ON f.rowid = p.id
		WHERE user_prompts_fts MATCH ?
		ORDER BY rank LIMIT ?`,
		ftsMatchExpr(query), limit)
	if err != nil {
		rows, err = s.store.QueryContext(ctx, `
			SELECT id, content_session_id, prompt_number, prompt_text, created_at, created_at_epoch
			FROM user_prompts
			WHERE prompt_text LIKE ?
			ORDER BY created_at_epoch DESC LIMIT ?`,
			"%"+query+"%", limit)
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	var prompts []*models.UserPrompt
	for rows.Next() {
		var p models.UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt, &p.CreatedAtEpoch); err != nil {
			return nil, err
		}
		prompts = append(prompts, &p)
	}
	return prompts, rows.Err()
}
