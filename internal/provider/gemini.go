package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// Gemini runs turns against the Google GenAI REST API. Sessionless: each
// turn replays the full message history as contents. Request pacing goes
// through the process-wide rate limiter since free-tier quotas are counted
// per account, not per session.
type Gemini struct {
	apiKey           string
	model            string
	rateLimitEnabled bool
	clientMu         sync.Mutex
	client           *genai.Client
}

// NewGemini creates the Gemini backend with a key from the managed
// credential file.
func NewGemini(model, apiKey string, rateLimitEnabled bool) *Gemini {
	return &Gemini{apiKey: apiKey, model: model, rateLimitEnabled: rateLimitEnabled}
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) initClient(ctx context.Context) (*genai.Client, error) {
	g.clientMu.Lock()
	defer g.clientMu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: g.apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	g.client = client
	return g.client, nil
}

// RunTurn implements Provider.
func (g *Gemini) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	client, err := g.initClient(ctx)
	if err != nil {
		return nil, wrapErr(g.Name(), 0, err)
	}

	if g.rateLimitEnabled {
		if err := globalGeminiLimiter.Wait(ctx, g.model, geminiInterval(g.model)); err != nil {
			return nil, err
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.3),
		MaxOutputTokens: 4096,
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, wrapErr(g.Name(), genaiStatus(err), fmt.Errorf("generate content: %w", err))
	}

	result := &TurnResult{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		result.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		result.InputTokens, result.OutputTokens = estimateUsage(req, result.Text)
	}
	return result, nil
}

func genaiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
