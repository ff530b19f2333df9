// Package schedule abstracts one-shot timers so backoff and ack-timeout
// behavior can be driven by a fake clock in tests.
package schedule

import "time"

type Handle interface {
	// Cancel stops the timer. It reports false when the timer already
	// fired or was cancelled before.
	Cancel() bool
}

type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
}

// Timers is the production scheduler over time.AfterFunc.
type Timers struct{}

type timerHandle struct{ t *time.Timer }

func (h timerHandle) Cancel() bool { return h.t.Stop() }

func (Timers) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	return timerHandle{t: time.AfterFunc(delay, fn)}
}
