package provider

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldFallback(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &Error{Provider: "gemini", StatusCode: 429, Err: errors.New("quota")}, true},
		{"server error", &Error{Provider: "claude-api", StatusCode: 503, Err: errors.New("overloaded")}, true},
		{"auth failure", &Error{Provider: "claude-api", StatusCode: 401, Err: errors.New("bad key")}, false},
		{"bad request", &Error{Provider: "openrouter", StatusCode: 400, Err: errors.New("invalid model")}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"flattened transport error", errors.New("post failed: connection refused"), true},
		{"plain failure", errors.New("malformed reply"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldFallback(tt.err))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("boom")
	wrapped := wrapErr("gemini", 429, base)

	var perr *Error
	require.ErrorAs(t, wrapped, &perr)
	assert.Equal(t, 429, perr.StatusCode)
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "gemini")

	assert.NoError(t, wrapErr("gemini", 0, nil))
}

func TestGeminiInterval(t *testing.T) {
	// 10 rpm -> 6s spacing plus margin.
	assert.Equal(t, 6*time.Second+rateLimitMargin, geminiInterval("gemini-2.5-flash-lite"))
	// 5 rpm -> 12s spacing.
	assert.Equal(t, 12*time.Second+rateLimitMargin, geminiInterval("gemini-2.5-pro"))
	// 30 rpm -> 2s spacing.
	assert.Equal(t, 2*time.Second+rateLimitMargin, geminiInterval("gemini-2.0-flash-lite"))
	// Dated releases resolve through the longest family prefix.
	assert.Equal(t, 2*time.Second+rateLimitMargin, geminiInterval("gemini-2.0-flash-lite-001"))
	// Unknown models get the conservative default.
	assert.Equal(t, 6*time.Second+rateLimitMargin, geminiInterval("gemini-99-ultra"))
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	limiter := NewRateLimiter()
	interval := 50 * time.Millisecond

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "m", interval))
	require.NoError(t, limiter.Wait(context.Background(), "m", interval))
	require.NoError(t, limiter.Wait(context.Background(), "m", interval))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*interval)
}

func TestRateLimiterIndependentModels(t *testing.T) {
	limiter := NewRateLimiter()

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "a", time.Second))
	require.NoError(t, limiter.Wait(context.Background(), "b", time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRateLimiterHonorsContext(t *testing.T) {
	limiter := NewRateLimiter()
	require.NoError(t, limiter.Wait(context.Background(), "m", time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "m", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEstimateUsage(t *testing.T) {
	req := &TurnRequest{
		System: strings.Repeat("s", 400),
		Messages: []Message{
			{Role: RoleUser, Content: strings.Repeat("u", 400)},
		},
	}
	input, output := estimateUsage(req, strings.Repeat("r", 200))
	assert.EqualValues(t, 200, input)
	assert.EqualValues(t, 50, output)
}

func TestClaudeCLIEnvironmentStripsAmbientKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-ambient")
	t.Setenv("UNRELATED_VAR", "kept")

	cli := NewClaudeCLI("", "haiku", "")
	env := cli.environment()

	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "ANTHROPIC_API_KEY="),
			"ambient key must not reach the subprocess")
	}
	assert.Contains(t, env, "UNRELATED_VAR=kept")
}

func TestClaudeCLIEnvironmentInjectsManagedKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-ambient")

	cli := NewClaudeCLI("", "haiku", "sk-ant-managed")
	env := cli.environment()

	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-ant-managed")
}

func TestClaudeCLICommandWindowsShim(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("windows-only path handling")
	}

	cli := NewClaudeCLI(`C:\Program Files\claude\claude.cmd`, "haiku", "")
	cmd := cli.command(context.Background(), []string{"-p"})
	assert.Contains(t, cmd.Args[0], "cmd.exe")
	assert.Equal(t, "/d", cmd.Args[1])
	assert.Equal(t, "/c", cmd.Args[2])
}

func TestFlattenMessages(t *testing.T) {
	out := flattenMessages([]Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleUser, Content: "second"},
	})
	assert.Equal(t, "first\n\nsecond", out)
}
