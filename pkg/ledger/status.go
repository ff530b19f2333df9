package ledger

import "errors"

// Verdict delivery states.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
	StatusRetracted = "retracted"
)

var ErrInvalidTransition = errors.New("invalid verdict status transition")

func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusRetrying || to == StatusFailed || to == StatusRetracted
	case StatusRetrying:
		return to == StatusSent || to == StatusFailed || to == StatusRetracted
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether no further delivery work may happen for the
// verdict.
func IsTerminal(status string) bool {
	return status == StatusFailed || status == StatusRetracted
}
