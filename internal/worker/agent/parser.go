package agent

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/mode"
	"github.com/claude-mem/claude-mem/pkg/models"
)

var (
	observationRegex = regexp.MustCompile(`(?s)<observation>(.*?)</observation>`)
	summaryRegex     = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
	skipSummaryRegex = regexp.MustCompile(`<skip_summary\s+reason="([^"]+)"\s*/>`)
)

// Parser extracts structured blocks from provider replies. The allowed type
// and concept vocabulary comes from the active mode.
type Parser struct {
	mode *mode.Mode
}

// NewParser creates a parser bound to a mode.
func NewParser(m *mode.Mode) *Parser {
	return &Parser{mode: m}
}

// ParseObservations parses observation blocks from reply text. Invalid types
// degrade to "change"; concepts outside the mode's vocabulary are dropped.
func (p *Parser) ParseObservations(text, correlationID string) []*models.ParsedObservation {
	var observations []*models.ParsedObservation

	matches := observationRegex.FindAllStringSubmatch(text, -1)
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}

		content := match[1]
		obsType := extractField(content, "type")
		title := extractField(content, "title")
		subtitle := extractField(content, "subtitle")
		narrative := extractField(content, "narrative")
		facts := extractArrayElements(content, "facts", "fact")
		concepts := extractArrayElements(content, "concepts", "concept")
		filesRead := extractArrayElements(content, "files_read", "file")
		filesModified := extractArrayElements(content, "files_modified", "file")

		finalType := models.ObsTypeChange
		if obsType != "" && p.mode.ValidType(obsType) {
			finalType = models.ObservationType(obsType)
		} else {
			log.Warn().
				Str("correlationId", correlationID).
				Str("invalidType", obsType).
				Msg("Observation type outside mode vocabulary, using 'change'")
		}

		cleaned := make([]string, 0, len(concepts))
		var invalid []string
		for _, c := range concepts {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == string(finalType) {
				continue
			}
			if p.mode.ValidConcept(c) {
				cleaned = append(cleaned, c)
			} else {
				invalid = append(invalid, c)
			}
		}
		if len(invalid) > 0 {
			log.Warn().
				Str("correlationId", correlationID).
				Strs("invalidConcepts", invalid).
				Msg("Filtered concepts outside mode vocabulary")
		}

		observations = append(observations, &models.ParsedObservation{
			Type:          finalType,
			Title:         title,
			Subtitle:      subtitle,
			Narrative:     narrative,
			Facts:         facts,
			Concepts:      cleaned,
			FilesRead:     filesRead,
			FilesModified: filesModified,
		})
	}

	return observations
}

// ParseSummary parses a summary block from reply text. The skipped flag is
// true when the agent explicitly declined with <skip_summary/>; both a nil
// summary and skipped=false means the reply carried no summary at all.
func (p *Parser) ParseSummary(text, correlationID string) (summary *models.ParsedSummary, skipped bool) {
	if skipMatch := skipSummaryRegex.FindStringSubmatch(text); skipMatch != nil {
		log.Info().
			Str("correlationId", correlationID).
			Str("reason", skipMatch[1]).
			Msg("Summary skipped")
		return nil, true
	}

	match := summaryRegex.FindStringSubmatch(text)
	if len(match) < 2 {
		return nil, false
	}

	content := match[1]
	return &models.ParsedSummary{
		Request:      extractField(content, "request"),
		Investigated: extractField(content, "investigated"),
		Learned:      extractField(content, "learned"),
		Completed:    extractField(content, "completed"),
		NextSteps:    extractField(content, "next_steps"),
		Notes:        extractField(content, "notes"),
		FilesRead:    extractArrayElements(content, "files_read", "file"),
		FilesEdited:  extractArrayElements(content, "files_edited", "file"),
	}, false
}

// extractField extracts a simple field value from XML content.
func extractField(content, fieldName string) string {
	pattern := regexp.MustCompile(`<` + fieldName + `>([^<]*)</` + fieldName + `>`)
	match := pattern.FindStringSubmatch(content)
	if len(match) < 2 {
		return ""
	}
	return strings.TrimSpace(match[1])
}

// extractArrayElements extracts array elements from XML content.
func extractArrayElements(content, arrayName, elementName string) []string {
	var elements []string

	arrayPattern := regexp.MustCompile(`(?s)<` + arrayName + `>(.*?)</` + arrayName + `>`)
	arrayMatch := arrayPattern.FindStringSubmatch(content)
	if len(arrayMatch) < 2 {
		return elements
	}

	elementPattern := regexp.MustCompile(`<` + elementName + `>([^<]+)</` + elementName + `>`)
	for _, match := range elementPattern.FindAllStringSubmatch(arrayMatch[1], -1) {
		if len(match) >= 2 {
			elements = append(elements, strings.TrimSpace(match[1]))
		}
	}

	return elements
}
