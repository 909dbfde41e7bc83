// Package apperr defines the structured {code, message} error taxonomy used
// across the trading core so callers at the HTTP/SSE boundary never need to
// inspect Go error chains to decide what happened.
package apperr

import (
	"fmt"
	"sync"
)

// Code is a taxonomy kind, not a Go type name.
type Code string

const (
	Validation       Code = "VALIDATION"
	FatFinger        Code = "FAT_FINGER"
	NotionalCap      Code = "NOTIONAL_CAP"
	RiskLimit        Code = "RISK_LIMIT"
	InsufficientFund Code = "INSUFFICIENT_FUNDS"
	InstrumentNotFnd Code = "INSTRUMENT_NOT_FOUND"
	NoReferencePrice Code = "NO_REFERENCE_PRICE"
	FeedUnhealthy    Code = "FEED_UNHEALTHY"
	UpstreamAuth     Code = "UPSTREAM_AUTH"
	UpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	IdempotencyEcho  Code = "IDEMPOTENCY_REPLAY" // non-error: prior result returned
	Internal         Code = "INTERNAL"
)

// Error is the structured error surfaced across component boundaries.
type Error struct {
	Code    Code
	Message string
	Reason  string // finer-grained taxonomy key, e.g. PRICE_TICK_VALIDATION
	Wrapped error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a reason-tagged error under a taxonomy code.
func New(code Code, reason, message string) *Error {
	counters.bump(code, reason)
	return &Error{Code: code, Reason: reason, Message: message}
}

// Wrap attaches a taxonomy code to an underlying Go error.
func Wrap(code Code, reason string, err error) *Error {
	counters.bump(code, reason)
	return &Error{Code: code, Reason: reason, Message: err.Error(), Wrapped: err}
}

// counterRegistry tracks a monotonic counter per (code, reason) pair for
// observability, per the spec's "records a monotonic counter per code" rule.
type counterRegistry struct {
	mu     sync.Mutex
	counts map[string]uint64
}

var counters = &counterRegistry{counts: make(map[string]uint64)}

func (c *counterRegistry) bump(code Code, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(code) + "/" + reason
	c.counts[key]++
}

// Snapshot returns a copy of the current error counters, keyed "CODE/REASON".
func Snapshot() map[string]uint64 {
	counters.mu.Lock()
	defer counters.mu.Unlock()
	out := make(map[string]uint64, len(counters.counts))
	for k, v := range counters.counts {
		out[k] = v
	}
	return out
}
