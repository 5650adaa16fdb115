package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ClaudeCLI runs turns through the claude command-line binary in headless
// print mode. This is the only backend with real server-side sessions: the
// binary returns a session id on the first turn and resumes it afterwards.
type ClaudeCLI struct {
	binPath string
	model   string
	// apiKey comes from the managed credential file. When empty the binary
	// authenticates with its own subscription login; either way the
	// caller's shell ANTHROPIC_API_KEY is stripped so ambient credentials
	// never bill the memory agent.
	apiKey string
}

// NewClaudeCLI creates the CLI backend. binPath falls back to "claude" on
// PATH when unset.
func NewClaudeCLI(binPath, model, apiKey string) *ClaudeCLI {
	if binPath == "" {
		binPath = "claude"
	}
	return &ClaudeCLI{binPath: binPath, model: model, apiKey: apiKey}
}

// Name implements Provider.
func (c *ClaudeCLI) Name() string { return "claude" }

// cliResult is the claude binary's --output-format json envelope.
type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// RunTurn implements Provider.
func (c *ClaudeCLI) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	args := []string{"-p", "--output-format", "json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	} else if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}

	cmd := c.command(ctx, args)
	cmd.Env = c.environment()
	cmd.Stdin = strings.NewReader(flattenMessages(req.Messages))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Debug().Str("stderr", truncate(stderr.String(), 500)).Msg("claude CLI turn failed")
		return nil, wrapErr(c.Name(), 0, fmt.Errorf("run claude: %w: %s", err, truncate(stderr.String(), 200)))
	}

	var result cliResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, wrapErr(c.Name(), 0, fmt.Errorf("parse claude output: %w", err))
	}
	if result.IsError {
		return nil, wrapErr(c.Name(), 0, fmt.Errorf("claude reported error: %s", truncate(result.Result, 200)))
	}

	turn := &TurnResult{
		Text:         result.Result,
		SessionID:    result.SessionID,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}
	if turn.InputTokens == 0 && turn.OutputTokens == 0 {
		turn.InputTokens, turn.OutputTokens = estimateUsage(req, result.Result)
	}
	return turn, nil
}

// command builds the exec invocation. On Windows, paths with spaces and .cmd
// shims cannot be exec'd directly and go through the command interpreter.
func (c *ClaudeCLI) command(ctx context.Context, args []string) *exec.Cmd {
	if runtime.GOOS == "windows" &&
		(strings.Contains(c.binPath, " ") || strings.HasSuffix(strings.ToLower(c.binPath), ".cmd")) {
		full := append([]string{"/d", "/c", c.binPath}, args...)
		return exec.CommandContext(ctx, "cmd.exe", full...)
	}
	return exec.CommandContext(ctx, c.binPath, args...)
}

// environment returns the subprocess environment with ambient Anthropic
// credentials removed and the managed key injected when configured.
func (c *ClaudeCLI) environment() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		env = append(env, kv)
	}
	if c.apiKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.apiKey)
	}
	return env
}

// flattenMessages renders the conversation into the single prompt the CLI's
// print mode accepts. Resumed sessions only carry the new user turns.
func flattenMessages(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
