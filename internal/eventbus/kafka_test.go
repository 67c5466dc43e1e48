package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/davidahmann/orca/pkg/types"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "decisions"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "decisions"}); err == nil {
		t.Fatal("expected error when brokers are blank")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "decisions"})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherGuards(t *testing.T) {
	t.Parallel()

	var nilPublisher *KafkaPublisher
	if err := nilPublisher.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if err := nilPublisher.Publish(context.Background(), types.CloudEvent{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}
	if err := (&KafkaPublisher{}).Publish(context.Background(), types.CloudEvent{}); err == nil {
		t.Fatal("expected publish error for uninitialized writer")
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherWritesStructuredEvent(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	event := types.CloudEvent{
		SpecVersion:     types.CloudEventsSpecVersion,
		ID:              "e1",
		Source:          "urn:orca:decision-engine",
		Type:            "orca.decision.v1",
		Time:            "2024-06-01T00:00:00Z",
		Subject:         "demo-123",
		DataContentType: "application/json",
		Data:            json.RawMessage(`{"decision":"APPROVE"}`),
	}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "demo-123" {
		t.Fatalf("expected trace key, got %q", msg.Key)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "content-type" || string(msg.Headers[0].Value) != ContentTypeStructured {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
	var decoded types.CloudEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "e1" || decoded.Type != "orca.decision.v1" || string(decoded.Data) != `{"decision":"APPROVE"}` {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer close, err=%v", err)
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker unavailable")
	p := &KafkaPublisher{writer: &fakeKafkaWriter{err: boom}}
	err := p.Publish(context.Background(), types.CloudEvent{ID: "e1", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestMemoryPublisher(t *testing.T) {
	t.Parallel()

	p := NewMemoryPublisher()
	for _, id := range []string{"a", "b"} {
		if err := p.Publish(context.Background(), types.CloudEvent{ID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := p.Events()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected events %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, types.CloudEvent{ID: "c"}); err == nil {
		t.Fatal("expected canceled context error")
	}
}
