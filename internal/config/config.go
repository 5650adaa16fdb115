// Package config provides configuration management for claude-mem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37777

	// DefaultWorkerHost is the default bind address. Loopback only.
	DefaultWorkerHost = "127.0.0.1"

	// DefaultMaxConcurrentAgents bounds the number of live session agent loops.
	DefaultMaxConcurrentAgents = 2

	// DefaultQueueRetryLimit is the retry ceiling for pending messages.
	DefaultQueueRetryLimit = 3

	// DefaultQueueStaleAfter is how long a claim may sit in 'processing'
	// before stale recovery resets it. Kept above the idle timeout so an
	// idle wind-down never races a legitimate in-flight claim.
	DefaultQueueStaleAfter = 5 * 60 * 1000 // ms

	// DefaultIdleTimeout is the agent-loop idle timeout in milliseconds.
	DefaultIdleTimeout = 3 * 60 * 1000

	// DefaultGeminiModel is the Gemini model used when none is configured.
	DefaultGeminiModel = "gemini-2.5-flash-lite"

	// DefaultOpenRouterModel is the OpenRouter model used when none is configured.
	DefaultOpenRouterModel = "anthropic/claude-3.5-haiku"

	// DefaultClaudeModel is the alias passed to the Claude CLI / API.
	DefaultClaudeModel = "haiku"
)

// DefaultSkipTools are tool names dropped at ingest. Extended by
// CLAUDE_MEM_SKIP_TOOLS.
var DefaultSkipTools = []string{
	"TodoWrite", "Task", "TaskOutput",
	"Glob", "ListDir", "LS", "KillShell",
	"AskUserQuestion", "EnterPlanMode", "ExitPlanMode",
	"Skill", "SlashCommand",
}

// Config holds the resolved application configuration.
type Config struct {
	// Provider selection
	Provider         string `json:"provider"`
	FallbackProvider string `json:"fallback_provider"`
	ClaudeAuthMethod string `json:"claude_auth_method"`
	ClaudeModel      string `json:"claude_model"`
	ClaudeCodePath   string `json:"claude_code_path"`
	GeminiModel      string `json:"gemini_model"`
	OpenRouterModel  string `json:"openrouter_model"`

	GeminiRateLimitingEnabled bool `json:"gemini_rate_limiting_enabled"`

	// Worker settings
	WorkerPort          int    `json:"worker_port"`
	WorkerHost          string `json:"worker_host"`
	MaxConcurrentAgents int    `json:"max_concurrent_agents"`

	// Database settings
	DataDir  string `json:"data_dir"`
	MaxConns int    `json:"max_conns"`

	// Queue settings
	QueueRetryLimit  int   `json:"queue_retry_limit"`
	QueueStaleAfter  int64 `json:"queue_stale_after_ms"`
	QueueIdleTimeout int64 `json:"queue_idle_timeout_ms"`

	// Mode selection, optionally "parent--override"
	Mode string `json:"mode"`

	// Ingest filters
	SkipTools        []string `json:"skip_tools"`
	ExcludedProjects []string `json:"excluded_projects"`

	// Chroma vector service
	ChromaMode string `json:"chroma_mode"`
	ChromaHost string `json:"chroma_host"`
	ChromaPort int    `json:"chroma_port"`
	ChromaSSL  bool   `json:"chroma_ssl"`

	// Context composition settings
	ContextObservations   int      `json:"context_observations"`
	ContextFullCount      int      `json:"context_full_count"`
	ContextSessionCount   int      `json:"context_session_count"`
	ContextShowReadTokens bool     `json:"context_show_read_tokens"`
	ContextShowWorkTokens bool     `json:"context_show_work_tokens"`
	ContextFullField      string   `json:"context_full_field"`
	ContextShowLegend     bool     `json:"context_show_legend"`
	ContextShowEconomics  bool     `json:"context_show_economics"`
	ContextShowPreviously bool     `json:"context_show_previously"`
	ContextObsTypes       []string `json:"context_obs_types"`
	ContextObsConcepts    []string `json:"context_obs_concepts"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path. CLAUDE_MEM_DATA_DIR overrides the
// default ~/.claude-mem.
func DataDir() string {
	if dir := os.Getenv("CLAUDE_MEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude-mem")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "claude-mem.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnvFilePath returns the managed credential file path.
func EnvFilePath() string {
	return filepath.Join(DataDir(), ".env")
}

// VectorDBPath returns the vector store directory.
func VectorDBPath() string {
	return filepath.Join(DataDir(), "vector-db")
}

// LogsDir returns the log directory.
func LogsDir() string {
	return filepath.Join(DataDir(), "logs")
}

// ModesDir returns the mode profile directory.
func ModesDir() string {
	return filepath.Join(DataDir(), "modes")
}

// EnsureAll ensures the data directory layout and a default settings file exist.
func EnsureAll() error {
	for _, dir := range []string{DataDir(), VectorDBPath(), LogsDir(), ModesDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(SettingsPath()); err == nil {
		return nil
	}
	defaultSettings := `{
  "CLAUDE_MEM_PROVIDER": "claude",
  "CLAUDE_MEM_WORKER_PORT": 37777,
  "CLAUDE_MEM_CONTEXT_OBSERVATIONS": 50,
  "CLAUDE_MEM_CONTEXT_FULL_COUNT": 5,
  "CLAUDE_MEM_CONTEXT_SESSION_COUNT": 10
}
`
	return os.WriteFile(SettingsPath(), []byte(defaultSettings), 0600)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Provider:                  "claude",
		ClaudeAuthMethod:          "cli",
		ClaudeModel:               DefaultClaudeModel,
		GeminiModel:               DefaultGeminiModel,
		OpenRouterModel:           DefaultOpenRouterModel,
		GeminiRateLimitingEnabled: true,
		WorkerPort:                DefaultWorkerPort,
		WorkerHost:                DefaultWorkerHost,
		MaxConcurrentAgents:       DefaultMaxConcurrentAgents,
		DataDir:                   DataDir(),
		MaxConns:                  4,
		QueueRetryLimit:           DefaultQueueRetryLimit,
		QueueStaleAfter:           DefaultQueueStaleAfter,
		QueueIdleTimeout:          DefaultIdleTimeout,
		Mode:                      "code",
		SkipTools:                 append([]string(nil), DefaultSkipTools...),
		ChromaMode:                "subprocess",
		ChromaHost:                "127.0.0.1",
		ChromaPort:                8000,
		ContextObservations:       50,
		ContextFullCount:          5,
		ContextSessionCount:       10,
		ContextShowReadTokens:     true,
		ContextShowWorkTokens:     true,
		ContextFullField:          "narrative",
		ContextShowLegend:         true,
		ContextShowEconomics:      true,
		ContextShowPreviously:     true,
	}
}

// Load resolves configuration with precedence env > settings file > defaults.
func Load() (*Config, error) {
	cfg := Default()

	settings, err := readSettingsFile(SettingsPath())
	if err != nil {
		return nil, err
	}
	applySettings(cfg, settings)
	applyEnv(cfg)

	return cfg, nil
}

// readSettingsFile reads the flat settings map, migrating legacy nested
// {"env": {...}} files to flat form with a one-time write-back.
func readSettingsFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is our own data dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, nil // unreadable settings fall back to defaults
	}

	if nested, ok := settings["env"].(map[string]interface{}); ok {
		flat := make(map[string]interface{}, len(nested))
		for k, v := range nested {
			flat[k] = v
		}
		// Keys already at the top level win over the nested block.
		for k, v := range settings {
			if k == "env" {
				continue
			}
			flat[k] = v
		}
		if migrated, err := json.MarshalIndent(flat, "", "  "); err == nil {
			_ = os.WriteFile(path, migrated, 0600)
		}
		settings = flat
	}

	return settings, nil
}

// applySettings maps flat settings-file keys onto the config.
func applySettings(cfg *Config, settings map[string]interface{}) {
	if settings == nil {
		return
	}
	str := func(key string, dst *string) {
		if v, ok := settings[key].(string); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := settings[key].(float64); ok && v > 0 {
			*dst = int(v)
		}
	}
	num64 := func(key string, dst *int64) {
		if v, ok := settings[key].(float64); ok && v > 0 {
			*dst = int64(v)
		}
	}
	boolean := func(key string, dst *bool) {
		switch v := settings[key].(type) {
		case bool:
			*dst = v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := settings[key].(string); ok && v != "" {
			*dst = splitTrim(v)
		}
	}

	str("CLAUDE_MEM_PROVIDER", &cfg.Provider)
	str("CLAUDE_MEM_FALLBACK_PROVIDER", &cfg.FallbackProvider)
	str("CLAUDE_MEM_CLAUDE_AUTH_METHOD", &cfg.ClaudeAuthMethod)
	str("CLAUDE_MEM_CLAUDE_MODEL", &cfg.ClaudeModel)
	str("CLAUDE_CODE_PATH", &cfg.ClaudeCodePath)
	str("CLAUDE_MEM_GEMINI_MODEL", &cfg.GeminiModel)
	str("CLAUDE_MEM_OPENROUTER_MODEL", &cfg.OpenRouterModel)
	boolean("CLAUDE_MEM_GEMINI_RATE_LIMITING_ENABLED", &cfg.GeminiRateLimitingEnabled)
	num("CLAUDE_MEM_WORKER_PORT", &cfg.WorkerPort)
	str("CLAUDE_MEM_WORKER_HOST", &cfg.WorkerHost)
	num("CLAUDE_MEM_MAX_CONCURRENT_AGENTS", &cfg.MaxConcurrentAgents)
	str("CLAUDE_MEM_DATA_DIR", &cfg.DataDir)
	num("CLAUDE_MEM_MAX_CONNS", &cfg.MaxConns)
	num("CLAUDE_MEM_QUEUE_RETRY_LIMIT", &cfg.QueueRetryLimit)
	num64("CLAUDE_MEM_QUEUE_STALE_AFTER_MS", &cfg.QueueStaleAfter)
	num64("CLAUDE_MEM_QUEUE_IDLE_TIMEOUT_MS", &cfg.QueueIdleTimeout)
	str("CLAUDE_MEM_MODE", &cfg.Mode)
	if v, ok := settings["CLAUDE_MEM_SKIP_TOOLS"].(string); ok && v != "" {
		cfg.SkipTools = append(cfg.SkipTools, splitTrim(v)...)
	}
	list("CLAUDE_MEM_EXCLUDED_PROJECTS", &cfg.ExcludedProjects)
	str("CLAUDE_MEM_CHROMA_MODE", &cfg.ChromaMode)
	str("CLAUDE_MEM_CHROMA_HOST", &cfg.ChromaHost)
	num("CLAUDE_MEM_CHROMA_PORT", &cfg.ChromaPort)
	boolean("CLAUDE_MEM_CHROMA_SSL", &cfg.ChromaSSL)
	num("CLAUDE_MEM_CONTEXT_OBSERVATIONS", &cfg.ContextObservations)
	num("CLAUDE_MEM_CONTEXT_FULL_COUNT", &cfg.ContextFullCount)
	num("CLAUDE_MEM_CONTEXT_SESSION_COUNT", &cfg.ContextSessionCount)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_READ_TOKENS", &cfg.ContextShowReadTokens)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_WORK_TOKENS", &cfg.ContextShowWorkTokens)
	str("CLAUDE_MEM_CONTEXT_FULL_FIELD", &cfg.ContextFullField)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_LEGEND", &cfg.ContextShowLegend)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_ECONOMICS", &cfg.ContextShowEconomics)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_PREVIOUSLY", &cfg.ContextShowPreviously)
	list("CLAUDE_MEM_CONTEXT_OBS_TYPES", &cfg.ContextObsTypes)
	list("CLAUDE_MEM_CONTEXT_OBS_CONCEPTS", &cfg.ContextObsConcepts)
}

// applyEnv applies environment variable overrides, which win over the file.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	num64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("CLAUDE_MEM_PROVIDER", &cfg.Provider)
	str("CLAUDE_MEM_FALLBACK_PROVIDER", &cfg.FallbackProvider)
	str("CLAUDE_MEM_CLAUDE_AUTH_METHOD", &cfg.ClaudeAuthMethod)
	str("CLAUDE_MEM_CLAUDE_MODEL", &cfg.ClaudeModel)
	str("CLAUDE_CODE_PATH", &cfg.ClaudeCodePath)
	str("CLAUDE_MEM_GEMINI_MODEL", &cfg.GeminiModel)
	str("CLAUDE_MEM_OPENROUTER_MODEL", &cfg.OpenRouterModel)
	boolean("CLAUDE_MEM_GEMINI_RATE_LIMITING_ENABLED", &cfg.GeminiRateLimitingEnabled)
	num("CLAUDE_MEM_WORKER_PORT", &cfg.WorkerPort)
	str("CLAUDE_MEM_WORKER_HOST", &cfg.WorkerHost)
	num("CLAUDE_MEM_MAX_CONCURRENT_AGENTS", &cfg.MaxConcurrentAgents)
	str("CLAUDE_MEM_DATA_DIR", &cfg.DataDir)
	num("CLAUDE_MEM_QUEUE_RETRY_LIMIT", &cfg.QueueRetryLimit)
	num64("CLAUDE_MEM_QUEUE_STALE_AFTER_MS", &cfg.QueueStaleAfter)
	num64("CLAUDE_MEM_QUEUE_IDLE_TIMEOUT_MS", &cfg.QueueIdleTimeout)
	str("CLAUDE_MEM_MODE", &cfg.Mode)
	if v := os.Getenv("CLAUDE_MEM_SKIP_TOOLS"); v != "" {
		cfg.SkipTools = append(cfg.SkipTools, splitTrim(v)...)
	}
	if v := os.Getenv("CLAUDE_MEM_EXCLUDED_PROJECTS"); v != "" {
		cfg.ExcludedProjects = splitTrim(v)
	}
	str("CLAUDE_MEM_CHROMA_MODE", &cfg.ChromaMode)
	str("CLAUDE_MEM_CHROMA_HOST", &cfg.ChromaHost)
	num("CLAUDE_MEM_CHROMA_PORT", &cfg.ChromaPort)
	boolean("CLAUDE_MEM_CHROMA_SSL", &cfg.ChromaSSL)
	num("CLAUDE_MEM_CONTEXT_OBSERVATIONS", &cfg.ContextObservations)
	num("CLAUDE_MEM_CONTEXT_FULL_COUNT", &cfg.ContextFullCount)
	num("CLAUDE_MEM_CONTEXT_SESSION_COUNT", &cfg.ContextSessionCount)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_READ_TOKENS", &cfg.ContextShowReadTokens)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_WORK_TOKENS", &cfg.ContextShowWorkTokens)
	str("CLAUDE_MEM_CONTEXT_FULL_FIELD", &cfg.ContextFullField)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_LEGEND", &cfg.ContextShowLegend)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_ECONOMICS", &cfg.ContextShowEconomics)
	boolean("CLAUDE_MEM_CONTEXT_SHOW_PREVIOUSLY", &cfg.ContextShowPreviously)
}

// Validate rejects configurations the worker cannot start with.
func (c *Config) Validate() error {
	switch c.Provider {
	case "claude", "gemini", "openrouter":
	default:
		return fmt.Errorf("invalid provider %q (want claude, gemini, or openrouter)", c.Provider)
	}
	switch c.ClaudeAuthMethod {
	case "cli", "api":
	default:
		return fmt.Errorf("invalid claude auth method %q (want cli or api)", c.ClaudeAuthMethod)
	}
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		return fmt.Errorf("invalid worker port %d", c.WorkerPort)
	}
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive, got %d", c.MaxConcurrentAgents)
	}
	return nil
}

// IsProjectExcluded reports whether a project matches the excluded glob list.
func (c *Config) IsProjectExcluded(project string) bool {
	for _, pattern := range c.ExcludedProjects {
		if ok, err := filepath.Match(pattern, project); err == nil && ok {
			return true
		}
	}
	return false
}

// ShouldSkipTool reports whether a tool name is dropped at ingest.
func (c *Config) ShouldSkipTool(toolName string) bool {
	for _, t := range c.SkipTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reset clears the cached global configuration. Tests only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	configOnce = sync.Once{}
}
