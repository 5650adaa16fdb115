package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenRouterEndpoint is OpenRouter's OpenAI-compatible API base.
const OpenRouterEndpoint = "https://openrouter.ai/api/v1"

// OpenRouter runs turns against OpenRouter's OpenAI-compatible chat
// completions API. Sessionless like the Gemini backend.
type OpenRouter struct {
	client openai.Client
	model  string
}

// NewOpenRouter creates the OpenRouter backend with a key from the managed
// credential file.
func NewOpenRouter(model, apiKey string) *OpenRouter {
	return &OpenRouter{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(OpenRouterEndpoint),
		),
		model: model,
	}
}

// Name implements Provider.
func (o *OpenRouter) Name() string { return "openrouter" }

// RunTurn implements Provider.
func (o *OpenRouter) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   openai.Int(4096),
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return nil, wrapErr(o.Name(), openaiStatus(err), fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, wrapErr(o.Name(), 0, fmt.Errorf("empty choices in response"))
	}

	result := &TurnResult{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		result.InputTokens, result.OutputTokens = estimateUsage(req, result.Text)
	}
	return result, nil
}

func openaiStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
