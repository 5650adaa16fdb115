// Package agent implements the per-session memory agent: prompt
// construction, reply parsing, and atomic persistence of extracted
// observations.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/internal/mode"
)

const (
	maxToolInputLen  = 3000
	maxToolOutputLen = 4000
	maxAssistantLen  = 4000
)

// ToolExecution is one tool invocation observed from the primary session.
type ToolExecution struct {
	ID             int64
	ToolName       string
	ToolInput      string
	ToolOutput     string
	CWD            string
	CreatedAtEpoch int64
}

// SummaryRequest asks the agent for a progress summary checkpoint.
type SummaryRequest struct {
	SessionDBID          int64
	MemorySessionID      string
	Project              string
	LastAssistantMessage string
}

// BuildSystemPrompt renders the agent's system prompt from the active mode:
// role framing plus the allowed observation vocabulary.
func BuildSystemPrompt(m *mode.Mode) string {
	var b strings.Builder
	b.WriteString(m.SystemPrompt)
	b.WriteString("\n\nAllowed observation types:\n")
	for _, t := range sortedKeys(m.ObservationTypes) {
		fmt.Fprintf(&b, "- %s: %s\n", t, m.ObservationTypes[t])
	}
	b.WriteString("\nAllowed concepts:\n")
	for _, c := range sortedKeys(m.Concepts) {
		fmt.Fprintf(&b, "- %s: %s\n", c, m.Concepts[c])
	}
	if m.ObservationGuidance != "" {
		b.WriteString("\n")
		b.WriteString(m.ObservationGuidance)
	}
	if m.SummaryGuidance != "" {
		b.WriteString("\n\n")
		b.WriteString(m.SummaryGuidance)
	}
	return b.String()
}

// BuildObservationPrompt renders one tool execution as an observation turn.
func BuildObservationPrompt(exec ToolExecution) string {
	var b strings.Builder
	b.WriteString("<observed_from_primary_session>\n")
	fmt.Fprintf(&b, "<what_happened>%s</what_happened>\n", exec.ToolName)
	if exec.CWD != "" {
		fmt.Fprintf(&b, "<working_directory>%s</working_directory>\n", exec.CWD)
	}
	if exec.CreatedAtEpoch > 0 {
		fmt.Fprintf(&b, "<observed_at>%s</observed_at>\n",
			time.UnixMilli(exec.CreatedAtEpoch).Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "<parameters>\n%s\n</parameters>\n", truncate(exec.ToolInput, maxToolInputLen))
	fmt.Fprintf(&b, "<outcome>\n%s\n</outcome>\n", truncate(exec.ToolOutput, maxToolOutputLen))
	b.WriteString("</observed_from_primary_session>\n\n")
	b.WriteString("Record any observations this tool use supports. ")
	b.WriteString("If it teaches nothing durable, reply with a short note and no observation blocks.")
	return b.String()
}

// BuildSummaryPrompt renders a summary checkpoint turn.
func BuildSummaryPrompt(req SummaryRequest) string {
	var b strings.Builder
	b.WriteString("PROGRESS SUMMARY CHECKPOINT\n\n")
	fmt.Fprintf(&b, "Project: %s\n", req.Project)
	if req.LastAssistantMessage != "" {
		b.WriteString("\nClaude's Full Response to User:\n")
		b.WriteString(truncate(req.LastAssistantMessage, maxAssistantLen))
		b.WriteString("\n")
	}
	b.WriteString(`
Summarize the session so far in one block:

<summary>
<request>what the user asked for</request>
<investigated>what was looked at</investigated>
<learned>what was learned</learned>
<completed>what was finished</completed>
<next_steps>what remains</next_steps>
<notes>anything else worth keeping</notes>
</summary>

If there is nothing worth summarizing, reply with <skip_summary reason="..."/> instead.`)
	return b.String()
}

// truncate limits prompt payload size, marking the cut.
func truncate(s string, maxLen int) string {
	if s == "" || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable prompt text keeps provider-side caching effective.
	sort.Strings(keys)
	return keys
}
