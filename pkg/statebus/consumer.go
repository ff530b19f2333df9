package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"linksentry/pkg/session"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeTransition parses one bus message into a connection-state
// transition. Messages with an empty event field are rejected so a
// malformed producer cannot silently reset the tracker.
func DecodeTransition(msg Message) (session.Transition, error) {
	var tr session.Transition
	if err := json.Unmarshal(msg.Value, &tr); err != nil {
		return session.Transition{}, fmt.Errorf("decode transition: %w", err)
	}
	if tr.Event == "" {
		return session.Transition{}, fmt.Errorf("transition missing event")
	}
	return tr, nil
}

// Pump drains a consumer and applies transitions to the tracker. It is
// the single writer of connection state.
type Pump struct {
	consumer Consumer
	tracker  *session.Tracker

	// OnTransition runs after each applied transition with the resulting
	// snapshot. Optional.
	OnTransition func(session.Transition, session.Snapshot)
}

func NewPump(consumer Consumer, tracker *session.Tracker) *Pump {
	return &Pump{consumer: consumer, tracker: tracker}
}

// Run blocks until the context is cancelled or the consumer fails
// terminally. Undecodable messages are logged and skipped.
func (p *Pump) Run(ctx context.Context) error {
	for {
		msg, err := p.consumer.ReadMessage(ctx)
		if err != nil {
			return err
		}
		tr, err := DecodeTransition(msg)
		if err != nil {
			log.Printf("statebus: dropping message: %v", err)
			continue
		}
		snap := p.tracker.Apply(tr)
		if p.OnTransition != nil {
			p.OnTransition(tr, snap)
		}
	}
}
