package config

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLAUDE_MEM_DATA_DIR", dir)
	Reset()
	t.Cleanup(Reset)
	return dir
}

func TestDefaults(t *testing.T) {
	useTempDataDir(t)

	cfg := Default()
	assert.Equal(t, "claude", cfg.Provider)
	assert.Equal(t, "cli", cfg.ClaudeAuthMethod)
	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
	assert.Equal(t, "127.0.0.1", cfg.WorkerHost)
	assert.Equal(t, 2, cfg.MaxConcurrentAgents)
	assert.Equal(t, 3, cfg.QueueRetryLimit)
	assert.True(t, cfg.GeminiRateLimitingEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestSettingsFileOverridesDefaults(t *testing.T) {
	dir := useTempDataDir(t)

	settings := map[string]interface{}{
		"CLAUDE_MEM_PROVIDER":    "gemini",
		"CLAUDE_MEM_WORKER_PORT": 40123,
	}
	data, err := json.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, 40123, cfg.WorkerPort)
	// Untouched keys keep defaults.
	assert.Equal(t, 2, cfg.MaxConcurrentAgents)
}

func TestEnvOverridesSettingsFile(t *testing.T) {
	dir := useTempDataDir(t)

	settings := map[string]interface{}{
		"CLAUDE_MEM_PROVIDER": "gemini",
	}
	data, err := json.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0600))

	t.Setenv("CLAUDE_MEM_PROVIDER", "openrouter")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openrouter", cfg.Provider)
}

func TestLegacyNestedEnvMigration(t *testing.T) {
	dir := useTempDataDir(t)
	path := filepath.Join(dir, "settings.json")

	legacy := `{"env": {"CLAUDE_MEM_PROVIDER": "gemini", "CLAUDE_MEM_WORKER_PORT": 40999}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, 40999, cfg.WorkerPort)

	// The file must have been rewritten flat.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.NotContains(t, flat, "env")
	assert.Equal(t, "gemini", flat["CLAUDE_MEM_PROVIDER"])
}

func TestCorruptSettingsFileFallsBackToDefaults(t *testing.T) {
	dir := useTempDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Provider)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Provider = "bogus"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ClaudeAuthMethod = "oauth"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.WorkerPort = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxConcurrentAgents = 0
	assert.Error(t, cfg.Validate())
}

func TestSkipToolsExtendNotReplace(t *testing.T) {
	useTempDataDir(t)
	t.Setenv("CLAUDE_MEM_SKIP_TOOLS", "MyCustomTool, Another")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ShouldSkipTool("TodoWrite"))
	assert.True(t, cfg.ShouldSkipTool("MyCustomTool"))
	assert.True(t, cfg.ShouldSkipTool("Another"))
	assert.False(t, cfg.ShouldSkipTool("Bash"))
}

func TestIsProjectExcluded(t *testing.T) {
	cfg := Default()
	cfg.ExcludedProjects = []string{"scratch-*", "tmp"}

	assert.True(t, cfg.IsProjectExcluded("scratch-notes"))
	assert.True(t, cfg.IsProjectExcluded("tmp"))
	assert.False(t, cfg.IsProjectExcluded("claude-mem"))
}

func TestEnsureAllCreatesLayout(t *testing.T) {
	dir := useTempDataDir(t)

	require.NoError(t, EnsureAll())
	for _, sub := range []string{"vector-db", "logs", "modes"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(filepath.Join(dir, "settings.json"))
	assert.NoError(t, err)
}

func TestLoadCredentialsParsesEnvFile(t *testing.T) {
	dir := useTempDataDir(t)

	content := "# managed by claude-mem\n" +
		"ANTHROPIC_API_KEY=sk-ant-test123\n" +
		"export GEMINI_API_KEY=\"gm-test\"\n" +
		"OPENROUTER_API_KEY='or-test'\n" +
		"UNRELATED=ignored\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0600))

	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test123", creds.AnthropicAPIKey)
	assert.Equal(t, "gm-test", creds.GeminiAPIKey)
	assert.Equal(t, "or-test", creds.OpenRouterAPIKey)
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	useTempDataDir(t)

	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Empty(t, creds.AnthropicAPIKey)
}

func TestLoadCredentialsIgnoresAmbientEnvironment(t *testing.T) {
	useTempDataDir(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-shell")

	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Empty(t, creds.AnthropicAPIKey)
}

func TestSaveCredentialReplacesInPlace(t *testing.T) {
	dir := useTempDataDir(t)
	path := filepath.Join(dir, ".env")

	content := "# keep this comment\nANTHROPIC_API_KEY=old\nGEMINI_API_KEY=gm\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	require.NoError(t, SaveCredential("ANTHROPIC_API_KEY", "new"))

	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "new", creds.AnthropicAPIKey)
	assert.Equal(t, "gm", creds.GeminiAPIKey)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# keep this comment")
}
