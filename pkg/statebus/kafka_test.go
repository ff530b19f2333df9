package statebus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"linksentry/pkg/session"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(KafkaConfig{Topic: "session-events", GroupID: "sentry"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "sentry"})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "session-events"})
	if err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "session-events",
		GroupID: "sentry",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if consumer == nil {
		t.Fatal("expected consumer")
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerCloseAndReadGuard(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}

	consumer := &KafkaConsumer{}
	if _, err := consumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for uninitialized reader")
	}
}

type fakeKafkaReader struct {
	msg      kafka.Message
	err      error
	readHits int
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.readHits++
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error {
	return nil
}

func TestKafkaConsumerReadMessageBranches(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{
			reader: &fakeKafkaReader{err: errors.New("read failed")},
		}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		consumer := &KafkaConsumer{
			reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{"event":"open"}`)}},
		}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Value) != `{"event":"open"}` {
			t.Fatalf("unexpected message value: %s", string(msg.Value))
		}
	})
}

type scriptedConsumer struct {
	msgs []Message
	idx  int
}

func (s *scriptedConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if s.idx >= len(s.msgs) {
		return Message{}, context.Canceled
	}
	msg := s.msgs[s.idx]
	s.idx++
	return msg, nil
}

func (s *scriptedConsumer) Close() error { return nil }

func TestDecodeTransition(t *testing.T) {
	tr, err := DecodeTransition(Message{Value: []byte(`{"event":"open","bot_id":"bot-1"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Event != session.EventOpen || tr.BotID != "bot-1" {
		t.Fatalf("unexpected transition: %+v", tr)
	}

	if _, err := DecodeTransition(Message{Value: []byte(`not json`)}); err == nil {
		t.Fatal("malformed payload must fail")
	}
	if _, err := DecodeTransition(Message{Value: []byte(`{"bot_id":"x"}`)}); err == nil {
		t.Fatal("missing event must fail")
	}
}

func TestPumpAppliesTransitions(t *testing.T) {
	consumer := &scriptedConsumer{msgs: []Message{
		{Value: []byte(`{"event":"open","bot_id":"bot-9","platform":"web"}`)},
		{Value: []byte(`garbage`)},
		{Value: []byte(`{"event":"close"}`)},
	}}
	tracker := session.NewTracker()
	pump := NewPump(consumer, tracker)

	var applied []string
	pump.OnTransition = func(tr session.Transition, _ session.Snapshot) {
		applied = append(applied, tr.Event)
	}

	err := pump.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(applied) != 2 || applied[0] != session.EventOpen || applied[1] != session.EventClose {
		t.Fatalf("unexpected applied transitions: %v", applied)
	}
	snap := tracker.Current()
	if snap.Connected || !snap.Authenticated || snap.BotID != "bot-9" {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
}
