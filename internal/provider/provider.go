// Package provider contains the LLM backends the memory agent extracts
// observations with.
package provider

import "context"

// Message is one turn of provider conversation input.
type Message struct {
	// Role is "user" or "assistant". Adapters map to their backend's
	// vocabulary (Gemini uses "model" for assistant turns).
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRequest is one request against a provider-side agent session.
type TurnRequest struct {
	// SessionID is the provider-side session to resume; empty starts a new
	// one. Only the Claude CLI backend has true server-side sessions, the
	// others replay Messages each turn.
	SessionID string
	System    string
	Messages  []Message
}

// TurnResult is a completed provider turn.
type TurnResult struct {
	Text string
	// SessionID is the provider-assigned session identity, when the
	// backend has one.
	SessionID    string
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns the turn's combined token count.
func (r *TurnResult) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// Provider runs agent turns against one LLM backend.
type Provider interface {
	Name() string
	RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error)
}

// estimateTokens approximates a token count for backends that do not report
// usage. Four bytes per token tracks English prose closely enough for the
// discovery-cost accounting this feeds.
func estimateTokens(text string) int64 {
	return int64(len(text) / 4)
}

// estimateUsage fills in token counts for a turn whose backend reported none.
func estimateUsage(req *TurnRequest, replyText string) (input, output int64) {
	input = estimateTokens(req.System)
	for _, m := range req.Messages {
		input += estimateTokens(m.Content)
	}
	output = estimateTokens(replyText)
	return input, output
}
