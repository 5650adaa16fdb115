// Package contextdoc assembles the recent-context document served back to
// the primary assistant: a Markdown timeline of recent observations and
// session summaries, grouped by day and working area, with token economics.
package contextdoc

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/db/sqlite"
	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// generalFolder groups entries with no file touchpoints.
const generalFolder = "General"

// TranscriptSource resolves the last assistant message of a prior session
// for the "Previously" block. Nil means the block is skipped.
type TranscriptSource interface {
	LastAssistantMessage(project, contentSessionID string) (string, error)
}

// Composer builds context documents from stored memory.
type Composer struct {
	cfg          *config.Config
	mode         *mode.Mode
	observations *sqlite.ObservationStore
	summaries    *sqlite.SummaryStore
	sessions     *sqlite.SessionStore
	transcripts  TranscriptSource
}

// NewComposer creates a composer. transcripts may be nil.
func NewComposer(cfg *config.Config, m *mode.Mode, observations *sqlite.ObservationStore,
	summaries *sqlite.SummaryStore, sessions *sqlite.SessionStore, transcripts TranscriptSource) *Composer {
	return &Composer{
		cfg:          cfg,
		mode:         m,
		observations: observations,
		summaries:    summaries,
		sessions:     sessions,
		transcripts:  transcripts,
	}
}

// Options select what to compose.
type Options struct {
	// Projects to render, one section each. Worktrees pass several.
	Projects []string
	// Colors adds terminal escape codes for display use.
	Colors bool
}

// entry is one timeline item: an observation or a session summary.
type entry struct {
	obs     *models.Observation
	summary *models.SessionSummary
}

func (e entry) epoch() int64 {
	if e.obs != nil {
		return e.obs.CreatedAtEpoch
	}
	return e.summary.CreatedAtEpoch
}

// Compose renders the full document for the requested projects.
func (c *Composer) Compose(ctx context.Context, opts Options) (string, error) {
	var sections []string
	for _, project := range opts.Projects {
		section, err := c.composeProject(ctx, project, opts.Colors)
		if err != nil {
			return "", fmt.Errorf("compose %s: %w", project, err)
		}
		sections = append(sections, section)
	}
	return strings.Join(sections, "\n\n"), nil
}

func (c *Composer) composeProject(ctx context.Context, project string, colors bool) (string, error) {
	pal := palette(colors)

	observations, err := c.observations.GetRecent(ctx, sqlite.ObservationFilter{
		Project:  project,
		Types:    c.cfg.ContextObsTypes,
		Concepts: c.cfg.ContextObsConcepts,
		Limit:    c.cfg.ContextObservations,
	})
	if err != nil {
		return "", err
	}

	// One past the configured window enables the lookback into the session
	// before the oldest rendered one.
	summaries, err := c.summaries.GetRecent(ctx, project, c.cfg.ContextSessionCount+1)
	if err != nil {
		return "", err
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "%s# [%s] recent context, %s%s\n",
		pal.header, project, time.Now().Format("2006-01-02 15:04"), pal.reset)

	if len(observations) == 0 && len(summaries) == 0 {
		doc.WriteString("\n_No context yet: no observations have been recorded for this project._\n")
		return doc.String(), nil
	}

	timeline := buildTimeline(observations, summaries)
	fullCutoff := len(timeline) - c.cfg.ContextFullCount

	if c.cfg.ContextShowLegend {
		doc.WriteString("\n")
		doc.WriteString(c.legend(pal))
	}

	counter := getTokenCounter()
	var totalRead, totalWork int64

	days := groupByDay(timeline)
	for _, day := range days {
		fmt.Fprintf(&doc, "\n%s## %s%s\n", pal.header, day.label, pal.reset)

		for _, folder := range day.folders {
			if folder.name != generalFolder || len(day.folders) > 1 {
				fmt.Fprintf(&doc, "\n%s### %s%s\n", pal.dim, folder.name, pal.reset)
			}
			for _, item := range folder.entries {
				readTokens := c.readTokens(counter, item)
				totalRead += int64(readTokens)
				totalWork += workTokens(item)

				if item.index >= fullCutoff {
					doc.WriteString(c.renderFull(item.entry, readTokens, pal))
				} else {
					doc.WriteString(c.renderCompact(item.entry, readTokens, pal))
				}
			}
		}
	}

	if c.cfg.ContextShowEconomics {
		doc.WriteString("\n")
		doc.WriteString(c.economics(totalRead, totalWork, pal))
	}

	if c.cfg.ContextShowPreviously {
		if block := c.previously(ctx, project); block != "" {
			doc.WriteString("\n")
			doc.WriteString(block)
		}
	}

	return doc.String(), nil
}

// indexed pairs a timeline entry with its position, so grouping does not
// lose track of which entries fall inside the full-detail window.
type indexed struct {
	entry
	index int
}

type folderGroup struct {
	name    string
	entries []indexed
}

type dayGroup struct {
	label   string
	folders []folderGroup
}

// buildTimeline zips observations and summaries ascending by epoch.
func buildTimeline(observations []*models.Observation, summaries []*models.SessionSummary) []entry {
	timeline := make([]entry, 0, len(observations)+len(summaries))
	for _, obs := range observations {
		timeline = append(timeline, entry{obs: obs})
	}
	for _, sum := range summaries {
		timeline = append(timeline, entry{summary: sum})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].epoch() < timeline[j].epoch()
	})
	return timeline
}

// groupByDay splits the timeline into calendar days, and each day into
// folders derived from the entry's touched files.
func groupByDay(timeline []entry) []dayGroup {
	var days []dayGroup
	for i, e := range timeline {
		label := time.UnixMilli(e.epoch()).Format("2006-01-02 Monday")
		if len(days) == 0 || days[len(days)-1].label != label {
			days = append(days, dayGroup{label: label})
		}
		day := &days[len(days)-1]

		folder := folderFor(e)
		if len(day.folders) == 0 || day.folders[len(day.folders)-1].name != folder {
			day.folders = append(day.folders, folderGroup{name: folder})
		}
		fg := &day.folders[len(day.folders)-1]
		fg.entries = append(fg.entries, indexed{entry: e, index: i})
	}
	return days
}

// folderFor derives the working area: the directory of the first modified
// file, else the first read file, else General.
func folderFor(e entry) string {
	var files []string
	if e.obs != nil {
		files = append(files, e.obs.FilesModified...)
		files = append(files, e.obs.FilesRead...)
	} else {
		files = append(files, e.summary.FilesEdited...)
		files = append(files, e.summary.FilesRead...)
	}
	if len(files) == 0 {
		return generalFolder
	}
	dir := filepath.Dir(files[0])
	if dir == "." || dir == "/" {
		return generalFolder
	}
	return dir
}

// readTokens estimates the cost of reading an entry's full rendering.
func (c *Composer) readTokens(counter *tokenCounter, item indexed) int {
	if item.obs != nil {
		obs := item.obs
		factsJSON, _ := json.Marshal(obs.Facts)
		return counter.Count(obs.Title.String + obs.Subtitle.String + obs.Narrative.String + string(factsJSON))
	}
	s := item.summary
	return counter.Count(s.Request.String + s.Learned.String + s.Completed.String + s.NextSteps.String)
}

// workTokens is the provider spend that produced the entry.
func workTokens(item indexed) int64 {
	if item.obs != nil {
		return item.obs.DiscoveryTokens
	}
	return item.summary.DiscoveryTokens
}

func (c *Composer) renderFull(e entry, readTokens int, pal colors) string {
	var sb strings.Builder
	if e.obs != nil {
		obs := e.obs
		when := time.UnixMilli(obs.CreatedAtEpoch).Format("15:04")
		fmt.Fprintf(&sb, "\n%s#### %s %s%s (#%d, %s)\n",
			pal.accent, c.mode.TypeIcon(string(obs.Type)), obs.Title.String, pal.reset, obs.ID, when)

		switch c.cfg.ContextFullField {
		case "facts":
			for _, fact := range obs.Facts {
				fmt.Fprintf(&sb, "- %s\n", fact)
			}
		default:
			if obs.Narrative.Valid && obs.Narrative.String != "" {
				sb.WriteString(obs.Narrative.String)
				sb.WriteString("\n")
			} else {
				for _, fact := range obs.Facts {
					fmt.Fprintf(&sb, "- %s\n", fact)
				}
			}
		}
		if len(obs.FilesModified) > 0 {
			fmt.Fprintf(&sb, "%s_modified: %s_%s\n", pal.dim, strings.Join(obs.FilesModified, ", "), pal.reset)
		}
		return sb.String()
	}

	s := e.summary
	when := time.UnixMilli(s.CreatedAtEpoch).Format("15:04")
	fmt.Fprintf(&sb, "\n%s#### 📋 Session summary%s (#s%d, %s)\n", pal.accent, pal.reset, s.ID, when)
	writeSummaryLine(&sb, "Request", s.Request)
	writeSummaryLine(&sb, "Learned", s.Learned)
	writeSummaryLine(&sb, "Completed", s.Completed)
	writeSummaryLine(&sb, "Next steps", s.NextSteps)
	return sb.String()
}

func writeSummaryLine(sb *strings.Builder, label string, v sql.NullString) {
	if v.Valid && v.String != "" {
		fmt.Fprintf(sb, "- **%s:** %s\n", label, v.String)
	}
}

func (c *Composer) renderCompact(e entry, readTokens int, pal colors) string {
	var (
		id    string
		icon  string
		title string
		epoch int64
		work  int64
	)
	if e.obs != nil {
		id = fmt.Sprintf("%d", e.obs.ID)
		icon = c.mode.TypeIcon(string(e.obs.Type))
		title = e.obs.Title.String
		epoch = e.obs.CreatedAtEpoch
		work = e.obs.DiscoveryTokens
	} else {
		id = fmt.Sprintf("s%d", e.summary.ID)
		icon = "📋"
		title = summaryTitle(e.summary)
		epoch = e.summary.CreatedAtEpoch
		work = e.summary.DiscoveryTokens
	}

	row := fmt.Sprintf("| %s | %s | %s | %s |", id, time.UnixMilli(epoch).Format("15:04"), icon, title)
	if c.cfg.ContextShowReadTokens {
		row += fmt.Sprintf(" %d |", readTokens)
	}
	if c.cfg.ContextShowWorkTokens {
		row += fmt.Sprintf(" %d |", work)
	}
	return pal.dim + row + pal.reset + "\n"
}

func summaryTitle(s *models.SessionSummary) string {
	if s.Request.Valid && s.Request.String != "" {
		return s.Request.String
	}
	if s.Completed.Valid && s.Completed.String != "" {
		return s.Completed.String
	}
	return "session checkpoint"
}

// legend renders the preamble: icon key, column key, and what the document is.
func (c *Composer) legend(pal colors) string {
	types := make([]string, 0, len(c.mode.ObservationTypes))
	for t := range c.mode.ObservationTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%s %s", c.mode.TypeIcon(t), t)
	}

	columns := "id | time | type | title"
	if c.cfg.ContextShowReadTokens {
		columns += " | read-tokens"
	}
	if c.cfg.ContextShowWorkTokens {
		columns += " | work-tokens"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s**Legend:** %s · 📋 summary%s\n", pal.dim, strings.Join(parts, " · "), pal.reset)
	fmt.Fprintf(&sb, "%s**Columns:** %s%s\n", pal.dim, columns, pal.reset)
	sb.WriteString("Memories below come from earlier sessions in this project; prefer them over re-discovering.\n")
	return sb.String()
}

// economics renders what reading the memory costs versus what producing it
// cost.
func (c *Composer) economics(totalRead, totalWork int64, pal colors) string {
	savings := totalWork - totalRead
	percent := int64(0)
	if totalWork > 0 {
		percent = savings * 100 / totalWork
	}
	return fmt.Sprintf("%s**Economics:** reading this context costs ~%d tokens; producing it took ~%d. Savings: ~%d tokens (%d%%).%s\n",
		pal.dim, totalRead, totalWork, savings, percent, pal.reset)
}

// previously renders the last assistant message from the most recent prior
// session, when a transcript is available.
func (c *Composer) previously(ctx context.Context, project string) string {
	if c.transcripts == nil {
		return ""
	}

	// The newest session is the live one; only a second, older session
	// qualifies as "previously". With a single session on record the block
	// would replay the live conversation back at itself.
	sessions, err := c.sessions.ListRecent(ctx, project, 2)
	if err != nil || len(sessions) < 2 {
		return ""
	}
	prior := sessions[1]

	message, err := c.transcripts.LastAssistantMessage(project, prior.ContentSessionID)
	if err != nil || message == "" {
		if err != nil {
			log.Debug().Err(err).Str("project", project).Msg("No prior transcript for Previously block")
		}
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Previously\n\n")
	sb.WriteString(message)
	sb.WriteString("\n")
	return sb.String()
}

// colors carries the escape codes for the display variant; the plain
// variant uses empty strings so the Markdown stays clean.
type colors struct {
	header string
	accent string
	dim    string
	reset  string
}

func palette(enabled bool) colors {
	if !enabled {
		return colors{}
	}
	return colors{
		header: "\x1b[1;36m",
		accent: "\x1b[1m",
		dim:    "\x1b[2m",
		reset:  "\x1b[0m",
	}
}
