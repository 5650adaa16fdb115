package sqlite

import (
	"context"
	"database/sql"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const summaryColumns = `id, memory_session_id, project, request, investigated, learned, completed,
       next_steps, notes, files_read, files_edited, prompt_number,
       discovery_tokens, created_at, created_at_epoch`

// SummaryStore provides session-summary database operations. Summaries are
// written through ObservationStore.StoreBatch; this store covers reads.
type SummaryStore struct {
	store *Store
}

// NewSummaryStore creates a new summary store.
func NewSummaryStore(store *Store) *SummaryStore {
	return &SummaryStore{store: store}
}

// GetRecent returns the newest summaries for a project, newest first.
func (s *SummaryStore) GetRecent(ctx context.Context, project string, limit int) ([]*models.SessionSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	query := "SELECT " + summaryColumns + " FROM session_summaries"
	args := []interface{}{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at_epoch DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.SessionSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// GetByMemorySession returns all summaries for one memory session, oldest first.
func (s *SummaryStore) GetByMemorySession(ctx context.Context, memorySessionID string) ([]*models.SessionSummary, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM session_summaries WHERE memory_session_id = ? ORDER BY created_at_epoch ASC",
		memorySessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.SessionSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// LatestForSession returns the newest summary for one memory session, or nil.
func (s *SummaryStore) LatestForSession(ctx context.Context, memorySessionID string) (*models.SessionSummary, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM session_summaries WHERE memory_session_id = ? ORDER BY created_at_epoch DESC LIMIT 1",
		memorySessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSummary(rows)
}

// GetInEpochRange returns summaries created inside [fromEpoch, toEpoch],
// oldest first. Used to widen timeline windows around an anchor observation.
func (s *SummaryStore) GetInEpochRange(ctx context.Context, project string, fromEpoch, toEpoch int64) ([]*models.SessionSummary, error) {
	query := "SELECT " + summaryColumns + " FROM session_summaries WHERE created_at_epoch BETWEEN ? AND ?"
	args := []interface{}{fromEpoch, toEpoch}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at_epoch ASC"

	rows, err := s.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.SessionSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func scanSummary(rows *sql.Rows) (*models.SessionSummary, error) {
	var summary models.SessionSummary
	err := rows.Scan(
		&summary.ID, &summary.MemorySessionID, &summary.Project,
		&summary.Request, &summary.Investigated, &summary.Learned, &summary.Completed,
		&summary.NextSteps, &summary.Notes, &summary.FilesRead, &summary.FilesEdited,
		&summary.PromptNumber, &summary.DiscoveryTokens,
		&summary.CreatedAt, &summary.CreatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
