package chroma

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// backfillPageSize bounds one SQLite read during a rebuild.
const backfillPageSize = 500

// Mirror copies committed observations into the vector store. It satisfies
// the processor's mirror hook; failures are reported but never block the
// write path.
type Mirror struct {
	client       *Client
	observations *sqlite.ObservationStore
}

// NewMirror creates a mirror over a connected (or connectable) client.
func NewMirror(client *Client, observations *sqlite.ObservationStore) *Mirror {
	return &Mirror{client: client, observations: observations}
}

// MirrorObservations writes a committed batch into the project's collection.
// A dropped subprocess gets one reconnect attempt before giving up.
func (m *Mirror) MirrorObservations(ctx context.Context, project string, observations []*models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	docs := make([]Document, len(observations))
	for i, obs := range observations {
		docs[i] = documentFor(obs)
	}

	err := m.client.AddDocuments(ctx, project, docs)
	if err == nil {
		return nil
	}

	if rerr := m.client.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("mirror observations: %w", err)
	}
	return m.client.AddDocuments(ctx, project, docs)
}

// Backfill rebuilds a project's collection from SQLite. Documents are
// re-added under stable ids, so an existing collection converges instead of
// duplicating.
func (m *Mirror) Backfill(ctx context.Context, project string) (int, error) {
	total := 0
	for {
		page, err := m.observations.GetRecent(ctx, sqlite.ObservationFilter{
			Project: project,
			Limit:   backfillPageSize,
			Offset:  total,
		})
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}

		docs := make([]Document, len(page))
		for i, obs := range page {
			docs[i] = documentFor(obs)
		}
		if err := m.client.AddDocuments(ctx, project, docs); err != nil {
			return total, err
		}
		total += len(page)
		if len(page) < backfillPageSize {
			break
		}
	}

	log.Info().Str("project", project).Int("count", total).Msg("Vector backfill complete")
	return total, nil
}

// documentFor renders an observation into its searchable text plus the
// metadata the query path filters on.
func documentFor(obs *models.Observation) Document {
	var sb strings.Builder
	if obs.Title.Valid {
		sb.WriteString(obs.Title.String)
	}
	if obs.Subtitle.Valid && obs.Subtitle.String != "" {
		sb.WriteString("\n")
		sb.WriteString(obs.Subtitle.String)
	}
	if obs.Narrative.Valid && obs.Narrative.String != "" {
		sb.WriteString("\n\n")
		sb.WriteString(obs.Narrative.String)
	}
	for _, fact := range obs.Facts {
		sb.WriteString("\n- ")
		sb.WriteString(fact)
	}

	metadata := map[string]any{
		"sqlite_id":         obs.ID,
		"type":              string(obs.Type),
		"project":           obs.Project,
		"memory_session_id": obs.MemorySessionID,
		"created_at_epoch":  obs.CreatedAtEpoch,
	}
	if len(obs.Concepts) > 0 {
		metadata["concepts"] = strings.Join(obs.Concepts, ",")
	}

	return Document{
		ID:       fmt.Sprintf("obs-%d", obs.ID),
		Content:  sb.String(),
		Metadata: metadata,
	}
}
