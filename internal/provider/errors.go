package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Error wraps a backend failure with enough shape for fallback routing.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(providerName string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: providerName, StatusCode: statusCode, Err: err}
}

// ShouldFallback reports whether a turn failure is transient infrastructure
// trouble worth retrying on the fallback provider: rate limiting, server-side
// errors, and network-level failures. Anything else (auth failures, bad
// requests, parse-level trouble) fails the message instead, since the
// fallback would hit the same wall or hide a real bug.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}

	var perr *Error
	if errors.As(err, &perr) && perr.StatusCode != 0 {
		return perr.StatusCode == 429 || perr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Some SDKs flatten transport errors into strings before they reach us.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "rate limit", "overloaded", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
