package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"linksentry/pkg/schedule"
)

const minAckTimeout = 5 * time.Second

// ResendFunc re-sends the verdict reply for a context. Implementations are
// expected to re-enter RegisterVerdictAttempt and re-arm the watch.
type ResendFunc func(VerdictContext)

// AckWatchConfig bounds the retry state machine. AckTarget is the
// transport ack level treated as delivery-confirmed; it is configurable
// because its exact meaning is transport-specific.
type AckWatchConfig struct {
	Timeout    time.Duration
	AckTarget  int
	MaxRetries int
}

// AckWatcher arms one bounded timeout per outstanding verdict context.
// Arming a context that already has a live watch cancels the old timer
// first, so at most one timer per context exists at any instant.
type AckWatcher struct {
	ledger *Ledger
	sched  schedule.Scheduler

	timeout    time.Duration
	ackTarget  int
	maxRetries int

	// OnFailed fires after a verdict is marked terminally failed.
	OnFailed func(VerdictContext, *VerdictRecord)

	mu      sync.Mutex
	watches map[string]schedule.Handle
}

func NewAckWatcher(l *Ledger, sched schedule.Scheduler, cfg AckWatchConfig) *AckWatcher {
	timeout := cfg.Timeout
	if timeout < minAckTimeout {
		timeout = minAckTimeout
	}
	target := cfg.AckTarget
	if target <= 0 {
		target = 2
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &AckWatcher{
		ledger:     l,
		sched:      sched,
		timeout:    timeout,
		ackTarget:  target,
		maxRetries: retries,
		watches:    map[string]schedule.Handle{},
	}
}

// Arm starts (or restarts) the ack-timeout watch for a context and records
// it in the pending-ack index.
func (w *AckWatcher) Arm(ctx context.Context, vctx VerdictContext, resend ResendFunc) {
	enc := vctx.Encode()
	w.mu.Lock()
	if prev, ok := w.watches[enc]; ok {
		prev.Cancel()
	}
	w.watches[enc] = w.sched.Schedule(w.timeout, func() { w.fire(vctx, resend) })
	w.mu.Unlock()
	if err := w.ledger.AddPendingAck(ctx, vctx, time.Now().UTC()); err != nil {
		log.Printf("ackwatch: pending index add failed: %v", err)
	}
}

// Clear cancels the live watch for a context, if any.
func (w *AckWatcher) Clear(vctx VerdictContext) {
	enc := vctx.Encode()
	w.mu.Lock()
	if h, ok := w.watches[enc]; ok {
		h.Cancel()
		delete(w.watches, enc)
	}
	w.mu.Unlock()
}

func (w *AckWatcher) dropHandle(enc string) {
	w.mu.Lock()
	delete(w.watches, enc)
	w.mu.Unlock()
}

func (w *AckWatcher) fire(vctx VerdictContext, resend ResendFunc) {
	w.dropHandle(vctx.Encode())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := w.ledger.GetVerdict(ctx, vctx)
	if err != nil {
		// Keep the pending entry: rehydration or a later ack will pick
		// the context back up once the store recovers.
		log.Printf("ackwatch: verdict read failed: %v", err)
		return
	}
	if v == nil {
		_ = w.ledger.RemovePendingAck(ctx, vctx)
		return
	}
	if v.Ack != nil && *v.Ack >= w.ackTarget {
		// The send succeeded; the timer merely lost the race with the ack.
		_ = w.ledger.RemovePendingAck(ctx, vctx)
		return
	}
	if v.AttemptCount >= w.maxRetries {
		if _, err := w.ledger.MarkVerdictStatus(ctx, vctx, StatusFailed); err != nil {
			log.Printf("ackwatch: mark failed errored: %v", err)
		}
		_ = w.ledger.RemovePendingAck(ctx, vctx)
		if w.OnFailed != nil {
			v.Status = StatusFailed
			w.OnFailed(vctx, v)
		}
		return
	}
	if _, err := w.ledger.MarkVerdictStatus(ctx, vctx, StatusRetrying); err != nil {
		log.Printf("ackwatch: mark retrying errored: %v", err)
	}
	if resend != nil {
		resend(vctx)
	}
}

// HandleAck applies a transport-pushed acknowledgment event. At or above
// the delivery-confirmed target the watch is cleared immediately instead
// of waiting for the timeout.
func (w *AckWatcher) HandleAck(ctx context.Context, vctx VerdictContext, ack int, now time.Time) (*VerdictRecord, error) {
	v, err := w.ledger.UpdateVerdictAck(ctx, vctx, ack, now)
	if err != nil || v == nil {
		return v, err
	}
	if ack >= w.ackTarget {
		w.Clear(vctx)
		_ = w.ledger.RemovePendingAck(ctx, vctx)
	}
	return v, nil
}

// Rehydrate restores delivery tracking after a restart: terminal or
// ack-satisfied contexts are pruned from the pending index, everything
// else is marked retrying and handed to resend. Returns the number of
// contexts resent.
func (w *AckWatcher) Rehydrate(ctx context.Context, limit int, resend ResendFunc) (int, error) {
	contexts, err := w.ledger.ListPendingAckContexts(ctx, limit)
	if err != nil {
		return 0, err
	}
	resent := 0
	for _, vctx := range contexts {
		v, err := w.ledger.GetVerdict(ctx, vctx)
		if err != nil {
			log.Printf("ackwatch: rehydrate read failed: %v", err)
			continue
		}
		if v == nil || IsTerminal(v.Status) || (v.Ack != nil && *v.Ack >= w.ackTarget) {
			_ = w.ledger.RemovePendingAck(ctx, vctx)
			continue
		}
		if _, err := w.ledger.MarkVerdictStatus(ctx, vctx, StatusRetrying); err != nil {
			log.Printf("ackwatch: rehydrate mark retrying errored: %v", err)
		}
		if resend != nil {
			resend(vctx)
		}
		resent++
	}
	return resent, nil
}
