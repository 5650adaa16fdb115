package provider

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Gemini free-tier requests-per-minute ceilings by model family.
var geminiRPM = map[string]int{
	"gemini-2.5-flash-lite":  10,
	"gemini-2.5-flash":       10,
	"gemini-2.5-pro":         5,
	"gemini-2.0-flash":       15,
	"gemini-2.0-flash-lite":  30,
	"gemini-3-flash":         10,
	"gemini-3-flash-preview": 5,
}

const defaultGeminiRPM = 10

// rateLimitMargin pads the computed spacing so clock skew between us and the
// quota window cannot trip a 429 at the boundary.
const rateLimitMargin = 100 * time.Millisecond

// RateLimiter enforces request spacing per model. The last-request timestamp
// is shared across all sessions, matching the account-level shape of the
// upstream quota.
type RateLimiter struct {
	mu          sync.Mutex
	lastRequest map[string]time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{lastRequest: make(map[string]time.Time)}
}

// globalGeminiLimiter is shared by every Gemini provider instance in the
// process; per-session limiters would multiply the effective request rate.
var globalGeminiLimiter = NewRateLimiter()

// geminiInterval returns the minimum spacing between requests for a model.
func geminiInterval(model string) time.Duration {
	rpm, ok := geminiRPM[model]
	if !ok {
		// Longest-prefix match covers dated releases like
		// gemini-2.0-flash-lite-001.
		best := 0
		for family, familyRPM := range geminiRPM {
			if strings.HasPrefix(model, family) && len(family) > best {
				best = len(family)
				rpm = familyRPM
			}
		}
		if best == 0 {
			rpm = defaultGeminiRPM
		}
	}
	return time.Minute/time.Duration(rpm) + rateLimitMargin
}

// Wait blocks until a request for the model may be sent, or the context ends.
func (r *RateLimiter) Wait(ctx context.Context, model string, interval time.Duration) error {
	r.mu.Lock()
	now := time.Now()
	next := r.lastRequest[model].Add(interval)
	if next.Before(now) {
		next = now
	}
	// Reserve the slot before sleeping so concurrent callers queue up
	// behind each other instead of all firing when the first slot opens.
	r.lastRequest[model] = next
	r.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
