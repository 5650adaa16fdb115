package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// DuplicateWindowMS is the same-hash suppression window. A second observation
// with an identical content hash landing inside this window is treated as a
// provider retry artifact and dropped.
const DuplicateWindowMS = 30_000

// observationColumns is the standard list of columns to select for observations.
const observationColumns = `id, memory_session_id, project, type, title, subtitle, narrative,
       facts, concepts, files_read, files_modified, prompt_number,
       discovery_tokens, content_hash, created_at, created_at_epoch`

// ObservationStore provides observation-related database operations.
type ObservationStore struct {
	store *Store
}

// NewObservationStore creates a new observation store.
func NewObservationStore(store *Store) *ObservationStore {
	return &ObservationStore{store: store}
}

// Batch is the output of one processed provider turn: zero or more
// observations, an optional session summary, and the queue message the turn
// consumed.
type Batch struct {
	MemorySessionID string
	Project         string
	Observations    []*models.ParsedObservation
	Summary         *models.ParsedSummary
	PromptNumber    int
	DiscoveryTokens int64
	// MessageID is the pending_messages row confirmed in the same
	// transaction; 0 means there is no message to confirm.
	MessageID int64
}

// BatchResult reports what a StoreBatch call actually persisted. A duplicate
// suppressed inside the dedup window still contributes an id: the id of the
// row already stored for the same content.
type BatchResult struct {
	ObservationIDs []int64
	SummaryID      int64
	Skipped        int
}

// StoreBatch persists a processed turn atomically: every observation, the
// optional summary, and the queue message confirmation commit together or not
// at all. A crash cannot confirm a message whose extraction was lost, and
// cannot store observations for a message that will be retried.
func (s *ObservationStore) StoreBatch(ctx context.Context, batch *Batch) (*BatchResult, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	nowEpoch := now.UnixMilli()
	result := &BatchResult{}

	for _, parsed := range batch.Observations {
		hash := models.ContentHash(batch.MemorySessionID, parsed.Title, parsed.Narrative)

		// A retried turn re-submits the same content; surface the already
		// stored row's id so the mirror and broadcast paths stay aligned
		// with what the database holds.
		var existingID int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM observations
			WHERE content_hash = ? AND created_at_epoch >= ?
			ORDER BY created_at_epoch DESC LIMIT 1`,
			hash, nowEpoch-DuplicateWindowMS,
		).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("check duplicate: %w", err)
		}
		if err == nil {
			result.Skipped++
			result.ObservationIDs = append(result.ObservationIDs, existingID)
			continue
		}

		factsJSON, _ := json.Marshal(parsed.Facts)
		conceptsJSON, _ := json.Marshal(parsed.Concepts)
		filesReadJSON, _ := json.Marshal(parsed.FilesRead)
		filesModifiedJSON, _ := json.Marshal(parsed.FilesModified)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO observations
			(memory_session_id, project, type, title, subtitle, narrative, facts, concepts,
			 files_read, files_modified, prompt_number, discovery_tokens, content_hash,
			 created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.MemorySessionID, batch.Project, string(parsed.Type),
			nullString(parsed.Title), nullString(parsed.Subtitle), nullString(parsed.Narrative),
			string(factsJSON), string(conceptsJSON), string(filesReadJSON), string(filesModifiedJSON),
			nullInt(batch.PromptNumber), batch.DiscoveryTokens, hash,
			now.Format(time.RFC3339), nowEpoch,
		)
		if err != nil {
			return nil, fmt.Errorf("insert observation: %w", err)
		}
		id, _ := res.LastInsertId()
		result.ObservationIDs = append(result.ObservationIDs, id)
	}

	if batch.Summary != nil {
		filesReadJSON, _ := json.Marshal(batch.Summary.FilesRead)
		filesEditedJSON, _ := json.Marshal(batch.Summary.FilesEdited)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries
			(memory_session_id, project, request, investigated, learned, completed, next_steps,
			 notes, files_read, files_edited, prompt_number, discovery_tokens, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.MemorySessionID, batch.Project,
			nullString(batch.Summary.Request), nullString(batch.Summary.Investigated),
			nullString(batch.Summary.Learned), nullString(batch.Summary.Completed),
			nullString(batch.Summary.NextSteps), nullString(batch.Summary.Notes),
			string(filesReadJSON), string(filesEditedJSON),
			nullInt(batch.PromptNumber), batch.DiscoveryTokens,
			now.Format(time.RFC3339), nowEpoch,
		)
		if err != nil {
			return nil, fmt.Errorf("insert summary: %w", err)
		}
		result.SummaryID, _ = res.LastInsertId()
	}

	if batch.MessageID != 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_messages
			SET status = 'processed', completed_at_epoch = ?, tool_input = NULL, tool_response = NULL
			WHERE id = ? AND status = 'processing'`,
			nowEpoch, batch.MessageID,
		)
		if err != nil {
			return nil, fmt.Errorf("confirm message %d: %w", batch.MessageID, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// The claim was recovered by another actor; abandon the batch
			// so the retried message produces it instead.
			return nil, fmt.Errorf("message %d no longer claimed", batch.MessageID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

// GetByID fetches a single observation. Returns nil when absent.
func (s *ObservationStore) GetByID(ctx context.Context, id int64) (*models.Observation, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE id = ?", id)

	obs, err := scanObservationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return obs, err
}

// ObservationFilter narrows observation reads.
type ObservationFilter struct {
	Project  string
	Types    []string
	Concepts []string
	Limit    int
	Offset   int
}

// GetRecent returns the newest observations matching the filter, newest first.
func (s *ObservationStore) GetRecent(ctx context.Context, filter ObservationFilter) ([]*models.Observation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + observationColumns + " FROM observations WHERE 1=1"
	args := []interface{}{}

	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if len(filter.Types) > 0 {
		query += " AND type IN (?" + strings.Repeat(", ?", len(filter.Types)-1) + ")"
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	for _, concept := range filter.Concepts {
		// concepts is a JSON array of strings; substring match on the
		// quoted value keeps this index-free path simple.
		query += " AND concepts LIKE ?"
		args = append(args, `%"`+concept+`"%`)
	}
	query += " ORDER BY created_at_epoch DESC LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return s.queryObservations(ctx, query, args...)
}

// GetByMemorySession returns all observations for one memory session,
// oldest first.
func (s *ObservationStore) GetByMemorySession(ctx context.Context, memorySessionID string) ([]*models.Observation, error) {
	return s.queryObservations(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE memory_session_id = ? ORDER BY created_at_epoch ASC",
		memorySessionID)
}

// Search performs full-text search over observations, falling back to LIKE
// when the FTS5 table is unavailable.
func (s *ObservationStore) Search(ctx context.Context, project, query string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	ftsQuery := `
		SELECT ` + prefixColumns("o.", observationColumns) + `
		FROM observations o
		JOIN observations_fts f ON f.rowid = o.id
		WHERE observations_fts MATCH ?`
	args := []interface{}{ftsMatchExpr(query)}
	if project != "" {
		ftsQuery += " AND o.project = ?"
		args = append(args, project)
	}
	ftsQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	results, err := s.queryObservations(ctx, ftsQuery, args...)
	if err == nil {
		return results, nil
	}

	likeQuery := "SELECT " + observationColumns + ` FROM observations
		WHERE (title LIKE ? OR subtitle LIKE ? OR narrative LIKE ?)`
	pattern := "%" + query + "%"
	args = []interface{}{pattern, pattern, pattern}
	if project != "" {
		likeQuery += " AND project = ?"
		args = append(args, project)
	}
	likeQuery += " ORDER BY created_at_epoch DESC LIMIT ?"
	args = append(args, limit)

	return s.queryObservations(ctx, likeQuery, args...)
}

// GetByIDRange returns a project's observations with ids inside [fromID,
// toID], ascending. The timeline surface widens around an anchor with this.
func (s *ObservationStore) GetByIDRange(ctx context.Context, project string, fromID, toID int64) ([]*models.Observation, error) {
	query := "SELECT " + observationColumns + " FROM observations WHERE id BETWEEN ? AND ?"
	args := []interface{}{fromID, toID}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY id ASC"
	return s.queryObservations(ctx, query, args...)
}

// CountByProject returns the number of stored observations for a project.
func (s *ObservationStore) CountByProject(ctx context.Context, project string) (int64, error) {
	var n int64
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM observations WHERE project = ?", project).Scan(&n)
	return n, err
}

// TotalDiscoveryTokens sums discovery token spend for a project.
func (s *ObservationStore) TotalDiscoveryTokens(ctx context.Context, project string) (int64, error) {
	var n sql.NullInt64
	err := s.store.QueryRowContext(ctx,
		"SELECT SUM(discovery_tokens) FROM observations WHERE project = ?", project).Scan(&n)
	return n.Int64, err
}

func (s *ObservationStore) queryObservations(ctx context.Context, query string, args ...interface{}) ([]*models.Observation, error) {
	rows, err := s.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []*models.Observation
	for rows.Next() {
		obs, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(scanner rowScanner) (*models.Observation, error) {
	var obs models.Observation
	err := scanner.Scan(
		&obs.ID, &obs.MemorySessionID, &obs.Project, &obs.Type,
		&obs.Title, &obs.Subtitle, &obs.Narrative,
		&obs.Facts, &obs.Concepts, &obs.FilesRead, &obs.FilesModified,
		&obs.PromptNumber, &obs.DiscoveryTokens, &obs.ContentHash,
		&obs.CreatedAt, &obs.CreatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func scanObservationRow(row *sql.Row) (*models.Observation, error)    { return scanObservation(row) }
func scanObservationRows(rows *sql.Rows) (*models.Observation, error) { return scanObservation(rows) }

// prefixColumns prefixes each column in a comma-separated column list.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ftsMatchExpr quotes user input for FTS5 so punctuation cannot break the
// match expression.
func ftsMatchExpr(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
