package pairing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"linksentry/pkg/schedule"
	"linksentry/pkg/store"
)

const defaultMaxForcedCycles = 10

// RequestCodeFunc asks the transport for a fresh pairing code.
type RequestCodeFunc func(ctx context.Context) (string, error)

type Config struct {
	Enabled           bool
	Target            string // pairing target identity, e.g. phone number
	BaseRetryDelay    time.Duration
	RateLimitDelay    time.Duration
	MaxAttempts       int
	ForcePhonePairing bool
	// MaxForcedCycles is the hard outer ceiling on forced retry cycles;
	// it exists to bound an otherwise infinite forced loop.
	MaxForcedCycles int
	BackoffTTL      time.Duration
	RequestTimeout  time.Duration
}

// Status is derived state for rendering "ready" vs "wait N seconds"
// without probing the transport.
type Status struct {
	RateLimited           bool          `json:"rate_limited"`
	NextAttemptIn         time.Duration `json:"next_attempt_in"`
	CanRequest            bool          `json:"can_request"`
	ConsecutiveRateLimits int           `json:"consecutive_rate_limits"`
	LastAttemptAt         time.Time     `json:"last_attempt_at"`
}

// Orchestrator drives the out-of-band pairing handshake under rate
// limiting. At most one timer is active at a time; rate-limit cooldowns
// are persisted so a restarted process honors an in-flight window.
type Orchestrator struct {
	cfg         Config
	requestCode RequestCodeFunc
	backoff     store.KV
	sched       schedule.Scheduler
	notify      func(Outcome)

	mu                    sync.Mutex
	enabled               bool
	sessionActive         bool
	codeDelivered         bool
	attempts              int
	forcedCycles          int
	consecutiveRateLimits int
	lastAttemptAt         time.Time
	nextAllowedAt         time.Time
	timer                 schedule.Handle
}

func New(cfg Config, requestCode RequestCodeFunc, backoff store.KV, sched schedule.Scheduler, notify func(Outcome)) *Orchestrator {
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 30 * time.Second
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxForcedCycles <= 0 {
		cfg.MaxForcedCycles = defaultMaxForcedCycles
	}
	if cfg.BackoffTTL <= 0 {
		cfg.BackoffTTL = 24 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		cfg:         cfg,
		requestCode: requestCode,
		backoff:     backoff,
		sched:       sched,
		notify:      notify,
		enabled:     cfg.Enabled,
	}
	o.hydrateBackoff()
	return o
}

func (o *Orchestrator) backoffKey() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(o.cfg.Target)))
	return "pairing:backoff:" + hex.EncodeToString(sum[:])
}

// hydrateBackoff reads the persisted "next allowed attempt at" timestamp
// so a fresh orchestrator honors a cooldown left by a previous process.
func (o *Orchestrator) hydrateBackoff() {
	if o.backoff == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, ok, err := o.backoff.Get(ctx, o.backoffKey())
	if err != nil || !ok {
		return
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return
	}
	o.mu.Lock()
	o.nextAllowedAt = at
	o.mu.Unlock()
}

func (o *Orchestrator) persistBackoff(until time.Time) {
	if o.backoff == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.backoff.Set(ctx, o.backoffKey(), until.UTC().Format(time.RFC3339), o.cfg.BackoffTTL); err != nil {
		log.Printf("pairing: persist backoff failed: %v", err)
	}
}

func (o *Orchestrator) canScheduleLocked() bool {
	return o.enabled && !o.sessionActive && !o.codeDelivered
}

// Schedule arms a one-shot attempt timer, replacing any existing timer.
// The delay is stretched to honor a persisted rate-limit cooldown.
func (o *Orchestrator) Schedule(delay time.Duration) {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Cancel()
	}
	if wait := time.Until(o.nextAllowedAt); wait > delay {
		delay = wait
	}
	o.timer = o.sched.Schedule(delay, o.fire)
	o.mu.Unlock()
}

// Cancel stops any pending timer and resets the attempt counter. It never
// erases the persisted backoff window.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) cancelLocked() {
	if o.timer != nil {
		o.timer.Cancel()
		o.timer = nil
	}
	o.attempts = 0
}

// SetSessionActive cancels pending work and suppresses future scheduling
// while a session is live.
func (o *Orchestrator) SetSessionActive(active bool) {
	o.mu.Lock()
	o.sessionActive = active
	if active {
		o.cancelLocked()
	}
	o.mu.Unlock()
}

// SetCodeDelivered cancels pending work once a code reached the user.
func (o *Orchestrator) SetCodeDelivered(delivered bool) {
	o.mu.Lock()
	o.codeDelivered = delivered
	if delivered {
		o.cancelLocked()
	}
	o.mu.Unlock()
}

// RequestManually bypasses the timer when scheduling is currently allowed.
// Returns whether a request was actually queued.
func (o *Orchestrator) RequestManually() bool {
	o.mu.Lock()
	if !o.canScheduleLocked() {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()
	o.Schedule(0)
	return true
}

// Status derives readiness from persisted backoff state and in-memory
// counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	wait := time.Until(o.nextAllowedAt)
	if wait < 0 {
		wait = 0
	}
	return Status{
		RateLimited:           wait > 0,
		NextAttemptIn:         wait,
		CanRequest:            o.canScheduleLocked() && wait == 0,
		ConsecutiveRateLimits: o.consecutiveRateLimits,
		LastAttemptAt:         o.lastAttemptAt,
	}
}

func (o *Orchestrator) emit(out Outcome) {
	if o.notify != nil {
		o.notify(out)
	}
}

func (o *Orchestrator) fire() {
	o.mu.Lock()
	o.timer = nil
	if !o.canScheduleLocked() {
		o.attempts = 0
		o.mu.Unlock()
		return
	}
	o.attempts++
	attempt := o.attempts
	now := time.Now().UTC()
	o.lastAttemptAt = now
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
	code, err := o.requestCode(ctx)
	cancel()

	if err == nil {
		o.mu.Lock()
		o.attempts = 0
		o.forcedCycles = 0
		o.consecutiveRateLimits = 0
		o.mu.Unlock()
		o.emit(Outcome{Kind: OutcomeSuccess, Code: code, Attempt: attempt})
		return
	}

	rateLimited := IsRateLimited(err)
	delay := o.cfg.BaseRetryDelay
	if rateLimited {
		delay = o.cfg.RateLimitDelay
	}

	o.mu.Lock()
	if rateLimited {
		o.consecutiveRateLimits++
		o.nextAllowedAt = now.Add(delay)
	} else {
		o.consecutiveRateLimits = 0
	}
	o.mu.Unlock()
	if rateLimited {
		o.persistBackoff(now.Add(delay))
	}

	if IsFatalAuth(err) {
		o.Cancel()
		o.emit(Outcome{Kind: OutcomeFallback, Attempt: attempt, Err: err})
		return
	}

	o.mu.Lock()
	exhausted := o.attempts >= o.cfg.MaxAttempts
	if exhausted && o.cfg.ForcePhonePairing {
		o.forcedCycles++
		if o.forcedCycles >= o.cfg.MaxForcedCycles {
			o.cancelLocked()
			o.mu.Unlock()
			o.emit(Outcome{Kind: OutcomeFallback, Attempt: attempt, RateLimited: rateLimited, Err: err})
			return
		}
		o.attempts = 0
		o.mu.Unlock()
		o.emit(Outcome{Kind: OutcomeForcedRetry, Attempt: attempt, Delay: delay, RateLimited: rateLimited, Err: err})
		o.Schedule(delay)
		return
	}
	if exhausted {
		o.cancelLocked()
		o.mu.Unlock()
		o.emit(Outcome{Kind: OutcomeFallback, Attempt: attempt, RateLimited: rateLimited, Err: err})
		return
	}
	o.mu.Unlock()
	o.emit(Outcome{Kind: OutcomeRetry, Attempt: attempt, Delay: delay, RateLimited: rateLimited, Err: err})
	o.Schedule(delay)
}
