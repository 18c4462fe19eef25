package connector

import (
	"fmt"
	"time"
)

// Connector failure taxonomy. Network and rate-limit errors are transient and
// retried; auth and parse errors propagate immediately.

// NetworkError is a transient transport failure: timeouts, refused
// connections, upstream 5xx.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network: %s", e.Op)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError signals an upstream throttle. RetryAfter carries the
// server-supplied delay when present; zero means the caller picks a default.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s: retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Op)
}

// AuthError marks a source that cannot authenticate until its configuration
// changes. Never retried; the orchestrator records it on the source status.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("authentication: %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ParseError reports malformed upstream data. Item-level parse errors skip
// the item; a feed that yields nothing parseable fails the run.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("parse: %s", e.Op)
}

func (e *ParseError) Unwrap() error { return e.Err }
