package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// modelAliases maps the short names shared with the CLI backend onto API
// model identifiers.
var modelAliases = map[string]string{
	"haiku":  "claude-3-5-haiku-latest",
	"sonnet": "claude-sonnet-4-5",
	"opus":   "claude-opus-4-1",
}

// ClaudeAPI runs turns directly against the Anthropic Messages API. Used when
// the configured auth method is "api"; unlike the CLI backend there is no
// server-side session, so each turn replays the full message history.
type ClaudeAPI struct {
	client anthropic.Client
	model  string
}

// NewClaudeAPI creates the API backend with a key from the managed
// credential file.
func NewClaudeAPI(model, apiKey string) *ClaudeAPI {
	if resolved, ok := modelAliases[model]; ok {
		model = resolved
	}
	return &ClaudeAPI{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Provider.
func (c *ClaudeAPI) Name() string { return "claude-api" }

// RunTurn implements Provider.
func (c *ClaudeAPI) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapErr(c.Name(), anthropicStatus(err), fmt.Errorf("anthropic messages: %w", err))
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &TurnResult{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
