package session

import (
	"sync"
	"time"
)

// Connection transition events as reported by the transport.
const (
	EventOpen          = "open"
	EventClose         = "close"
	EventLoggedOut     = "logged_out"
	EventCodeDelivered = "pairing_code_delivered"
)

// Snapshot is the connection state passed by value into guarded
// operations. Readers never see partial updates because they only ever
// hold copies.
type Snapshot struct {
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
	BotID         string    `json:"bot_id,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Ready reports whether guarded operations may run.
func (s Snapshot) Ready() bool { return s.Connected && s.Authenticated }

// Transition is one connection-state change event.
type Transition struct {
	Event    string    `json:"event"`
	BotID    string    `json:"bot_id,omitempty"`
	Platform string    `json:"platform,omitempty"`
	At       time.Time `json:"at"`
}

// Tracker owns the current snapshot. Apply is called only from the single
// connection-state-transition handler; everything else reads copies via
// Current.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) Apply(tr Transition) Snapshot {
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch tr.Event {
	case EventOpen:
		t.snap.Connected = true
		t.snap.Authenticated = true
		if tr.BotID != "" {
			t.snap.BotID = tr.BotID
		}
		if tr.Platform != "" {
			t.snap.Platform = tr.Platform
		}
		t.snap.ChangedAt = at
	case EventClose:
		t.snap.Connected = false
		t.snap.ChangedAt = at
	case EventLoggedOut:
		t.snap = Snapshot{ChangedAt: at}
	}
	return t.snap
}

func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
