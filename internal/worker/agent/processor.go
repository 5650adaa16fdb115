package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/provider"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// ErrEmptyReply marks a provider turn that produced no text. The queue
// message stays unconfirmed so a retry can produce the missing extraction.
var ErrEmptyReply = errors.New("provider returned empty reply")

// Mirror receives stored observations for secondary indexing. Mirroring is
// best effort: SQLite is the source of truth and a mirror failure never
// rolls back a batch.
type Mirror interface {
	MirrorObservations(ctx context.Context, project string, observations []*models.Observation) error
}

// Broadcaster pushes processing events to live stream clients. The fields
// are flattened into the frame next to the event type.
type Broadcaster interface {
	Broadcast(event string, fields map[string]interface{})
}

// Processor turns provider replies into persisted memory. Persistence and
// queue confirmation are a single transaction; mirroring and broadcasting
// happen after commit.
type Processor struct {
	observations *sqlite.ObservationStore
	parser       *Parser
	mirror       Mirror
	broadcaster  Broadcaster
}

// NewProcessor creates a processor. mirror and broadcaster may be nil.
func NewProcessor(observations *sqlite.ObservationStore, parser *Parser, mirror Mirror, broadcaster Broadcaster) *Processor {
	return &Processor{
		observations: observations,
		parser:       parser,
		mirror:       mirror,
		broadcaster:  broadcaster,
	}
}

// Outcome reports what one processed reply persisted.
type Outcome struct {
	ObservationIDs []int64
	SummaryID      int64
	Skipped        int
	SummarySkipped bool
}

// ProcessReply parses a provider reply for a claimed queue message and
// persists the result. Returning an error leaves the message claimed but
// unconfirmed; the caller decides between release and permanent failure.
func (p *Processor) ProcessReply(ctx context.Context, memorySessionID, project string, msg *models.PendingMessage, turn *provider.TurnResult) (*Outcome, error) {
	if turn == nil || turn.Text == "" {
		return nil, ErrEmptyReply
	}

	correlationID := fmt.Sprintf("msg-%d", msg.ID)
	batch := &sqlite.Batch{
		MemorySessionID: memorySessionID,
		Project:         project,
		PromptNumber:    msg.PromptNumber,
		DiscoveryTokens: turn.TotalTokens(),
		MessageID:       msg.ID,
	}

	outcome := &Outcome{}
	switch msg.MessageType {
	case models.MessageSummarize:
		summary, skipped := p.parser.ParseSummary(turn.Text, correlationID)
		if summary == nil && !skipped {
			// A summarize turn that produced neither a summary nor an
			// explicit skip is a malformed reply; keep the message for
			// retry rather than silently losing the checkpoint.
			return nil, fmt.Errorf("reply carried no summary block (message %d)", msg.ID)
		}
		batch.Summary = summary
		outcome.SummarySkipped = skipped
	default:
		// A reply without observation blocks is a valid "nothing worth
		// keeping" answer and still confirms the message.
		batch.Observations = p.parser.ParseObservations(turn.Text, correlationID)
	}

	stored, err := p.observations.StoreBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	outcome.ObservationIDs = stored.ObservationIDs
	outcome.SummaryID = stored.SummaryID
	outcome.Skipped = stored.Skipped

	p.publish(ctx, project, outcome)
	return outcome, nil
}

// publish mirrors and broadcasts a committed batch.
func (p *Processor) publish(ctx context.Context, project string, outcome *Outcome) {
	if len(outcome.ObservationIDs) > 0 {
		stored := make([]*models.Observation, 0, len(outcome.ObservationIDs))
		for _, id := range outcome.ObservationIDs {
			obs, err := p.observations.GetByID(ctx, id)
			if err != nil || obs == nil {
				continue
			}
			stored = append(stored, obs)
		}

		if p.mirror != nil && len(stored) > 0 {
			if err := p.mirror.MirrorObservations(ctx, project, stored); err != nil {
				log.Warn().Err(err).Int("count", len(stored)).Msg("Vector mirror failed, continuing")
			}
		}
		if p.broadcaster != nil {
			for _, obs := range stored {
				p.broadcaster.Broadcast("new_observation", map[string]interface{}{
					"observation": obs,
				})
			}
		}
	}

	if outcome.SummaryID != 0 && p.broadcaster != nil {
		p.broadcaster.Broadcast("new_summary", map[string]interface{}{
			"id":      outcome.SummaryID,
			"project": project,
		})
	}
}
