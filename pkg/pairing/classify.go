package pairing

import (
	"strings"
	"time"
)

// Outcome kinds. One tagged outcome replaces success/error/fallback/forced
// callback wiring: the orchestrator classifies once and the caller
// dispatches once.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeForcedRetry = "forced_retry"
	OutcomeFallback    = "fallback"
)

// Outcome reports the result of one pairing-code attempt cycle.
type Outcome struct {
	Kind        string
	Code        string
	Attempt     int
	Delay       time.Duration
	RateLimited bool
	Err         error
}

// IsRateLimited classifies a transport error by its message: a numeric 429
// marker or a rate-overlimit token. This is the only coupling to the
// transport's error shape.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate-overlimit") ||
		strings.Contains(msg, "rate overlimit")
}

// IsFatalAuth reports an explicit logout or credential rejection. Fatal
// auth errors must never be auto-retried.
func IsFatalAuth(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "logged out") ||
		strings.Contains(msg, "logout") ||
		strings.Contains(msg, "unauthorized")
}
