package config

import (
	"bufio"
	"os"
	"strings"
)

// Credential keys recognized in the managed .env file. Provider credentials
// come exclusively from this file; the ambient process environment is never
// consulted, so a user's shell ANTHROPIC_API_KEY cannot leak into the
// memory agent.
const (
	CredAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	CredGeminiAPIKey     = "GEMINI_API_KEY"
	CredOpenRouterAPIKey = "OPENROUTER_API_KEY"
)

// Credentials holds provider API keys loaded from the managed .env file.
type Credentials struct {
	AnthropicAPIKey  string
	GeminiAPIKey     string
	OpenRouterAPIKey string
}

// LoadCredentials reads the managed .env file. A missing file is not an
// error; it just yields empty credentials.
func LoadCredentials() (*Credentials, error) {
	return loadCredentialsFile(EnvFilePath())
}

func loadCredentialsFile(path string) (*Credentials, error) {
	creds := &Credentials{}

	f, err := os.Open(path) // #nosec G304 -- path is our own data dir
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)

		switch key {
		case CredAnthropicAPIKey:
			creds.AnthropicAPIKey = value
		case CredGeminiAPIKey:
			creds.GeminiAPIKey = value
		case CredOpenRouterAPIKey:
			creds.OpenRouterAPIKey = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

// unquote strips one matching pair of single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// SaveCredential writes or replaces a single key in the managed .env file,
// preserving unrelated lines and comments.
func SaveCredential(key, value string) error {
	path := EnvFilePath()

	var lines []string
	if data, err := os.ReadFile(path); err == nil { // #nosec G304
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "export "))
		if k, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(k) == key {
			lines[i] = key + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	out := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(out), 0600)
}
