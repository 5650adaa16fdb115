package provider

import (
	"fmt"

	"github.com/claude-mem/claude-mem/internal/config"
)

// New builds the provider named in the configuration.
func New(name string, cfg *config.Config, creds *config.Credentials) (Provider, error) {
	switch name {
	case "claude":
		if cfg.ClaudeAuthMethod == "api" {
			if creds.AnthropicAPIKey == "" {
				return nil, fmt.Errorf("claude auth method 'api' needs %s in the managed credential file", config.CredAnthropicAPIKey)
			}
			return NewClaudeAPI(cfg.ClaudeModel, creds.AnthropicAPIKey), nil
		}
		return NewClaudeCLI(cfg.ClaudeCodePath, cfg.ClaudeModel, creds.AnthropicAPIKey), nil
	case "gemini":
		if creds.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider needs %s in the managed credential file", config.CredGeminiAPIKey)
		}
		return NewGemini(cfg.GeminiModel, creds.GeminiAPIKey, cfg.GeminiRateLimitingEnabled), nil
	case "openrouter":
		if creds.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter provider needs %s in the managed credential file", config.CredOpenRouterAPIKey)
		}
		return NewOpenRouter(cfg.OpenRouterModel, creds.OpenRouterAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// NewWithFallback builds the configured primary provider plus the optional
// fallback. The fallback may be nil.
func NewWithFallback(cfg *config.Config, creds *config.Credentials) (primary, fallback Provider, err error) {
	primary, err = New(cfg.Provider, cfg, creds)
	if err != nil {
		return nil, nil, err
	}
	if cfg.FallbackProvider == "" || cfg.FallbackProvider == cfg.Provider {
		return primary, nil, nil
	}
	fallback, err = New(cfg.FallbackProvider, cfg, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("fallback provider: %w", err)
	}
	return primary, fallback, nil
}
