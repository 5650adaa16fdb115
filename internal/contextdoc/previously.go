package contextdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/claude-mem/claude-mem/internal/logtail"
)

// transcriptTailLines bounds the backward scan through a transcript; the
// last assistant message is nearly always within this window.
const transcriptTailLines = 200

// TranscriptReader finds the editor-maintained transcript for a session and
// extracts its final assistant message. Transcripts live under
// <root>/<project-slug>/<session-id>.jsonl.
type TranscriptReader struct {
	root string
}

// NewTranscriptReader creates a reader over a transcript root directory. An
// empty root resolves to ~/.claude/projects.
func NewTranscriptReader(root string) *TranscriptReader {
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".claude", "projects")
	}
	return &TranscriptReader{root: root}
}

// transcriptLine is the subset of a transcript record the lookup needs.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// LastAssistantMessage returns the text of the final assistant turn in the
// session's transcript, or empty when no transcript exists.
func (r *TranscriptReader) LastAssistantMessage(project, contentSessionID string) (string, error) {
	path, err := r.findTranscript(project, contentSessionID)
	if err != nil || path == "" {
		return "", err
	}

	lines, err := logtail.Tail(path, transcriptTailLines)
	if err != nil {
		return "", fmt.Errorf("read transcript tail: %w", err)
	}

	for i := len(lines) - 1; i >= 0; i-- {
		var record transcriptLine
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			continue
		}
		if record.Type != "assistant" && record.Message.Role != "assistant" {
			continue
		}
		if text := contentText(record.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// findTranscript locates the session's transcript file. The project slug in
// the directory name is derived from the project path by the editor, so the
// match is on suffix rather than equality.
func (r *TranscriptReader) findTranscript(project, contentSessionID string) (string, error) {
	slug := slugify(project)

	matches, err := filepath.Glob(filepath.Join(r.root, "*"+slug, contentSessionID+".jsonl"))
	if err != nil || len(matches) > 0 {
		if len(matches) > 0 {
			return matches[0], nil
		}
		return "", err
	}

	// Fall back to any directory holding the session file.
	matches, err = filepath.Glob(filepath.Join(r.root, "*", contentSessionID+".jsonl"))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[0], nil
}

// contentText flattens a transcript message's content: either a plain
// string or an array of typed blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// slugify mirrors the editor's project directory naming: path separators
// and dots fold to dashes.
func slugify(project string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', ' ', '_':
			return '-'
		default:
			return r
		}
	}, project)
}
