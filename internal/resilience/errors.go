// Package resilience wraps external calls with rate limiting, circuit
// breaking and retry, keyed by resource.
package resilience

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit open")
	ErrCancelled   = errors.New("cancelled")
	ErrTimeout     = errors.New("timeout")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Terminal marks err as not retryable regardless of its text.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsCancelled reports whether err stems from caller cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var term *terminalError
	if errors.As(err, &term) {
		return false
	}
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return looksTransient(err.Error())
}

// transientStatus matches a retryable HTTP status where the text presents it
// as one: at the start of the message or after status, code, http or error.
var transientStatus = regexp.MustCompile(`(?:^|\b(?:status(?: code)?|http(?:/[\d.]+)?|code|error)[\s:=]*)(?:429|50[0234])\b`)

// looksTransient matches provider error text for throttling, server-side
// failures and dropped connections.
func looksTransient(msg string) bool {
	msg = strings.ToLower(msg)
	if transientStatus.MatchString(msg) {
		return true
	}
	for _, s := range []string{
		"rate limit", "rate_limit", "too many requests",
		"internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "overloaded",
		"connection reset", "connection refused", "broken pipe", "unexpected eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
