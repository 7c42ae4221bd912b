package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/epi-project/policy-reasoner/pkg/audit"
)

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(Config{Topic: "verdicts"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewPublisher(Config{Brokers: []string{" ", "\t"}, Topic: "verdicts"}); err == nil {
		t.Fatal("expected error when brokers are blank")
	}

	p, err := NewPublisher(Config{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "verdicts"})
	if err != nil {
		t.Fatalf("expected valid publisher config, got: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if err := nilPub.Publish(context.Background(), audit.Record{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}
	if err := (&Publisher{}).Publish(context.Background(), audit.Record{}); err == nil {
		t.Fatal("expected publish error for uninitialized writer")
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestPublishRendersRecord(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &Publisher{writer: w}
	rec := audit.Record{
		VerdictReference: "ref-1",
		Initiator:        "amy",
		System:           "orchestrator",
		Verb:             audit.VerbExecuteWorkflow,
		PolicyVersion:    3,
		Fingerprint:      "fp",
		Verdict:          "deny",
		ReasonCode:       "policy-violated",
		Reasons:          []string{"no-foreign-domains"},
		Detail:           "audit-only diagnostics",
		CreatedAt:        time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), rec); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	// Keying by initiator keeps one initiator's verdicts on one partition;
	// the per-request reference would scatter them.
	if string(w.msgs[0].Key) != "amy" {
		t.Fatalf("key: %s", w.msgs[0].Key)
	}

	var ev Verdict
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.VerdictReference != "ref-1" || ev.Verdict != "deny" || ev.PolicyVersion != 3 {
		t.Fatalf("event: %+v", ev)
	}
	if len(ev.Reasons) != 1 || ev.Reasons[0] != "no-foreign-domains" {
		t.Fatalf("reasons: %v", ev.Reasons)
	}

	// The audit-only detail must never reach the topic.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.msgs[0].Value, &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if _, ok := raw["detail"]; ok {
		t.Fatal("detail leaked onto the topic")
	}
	if _, ok := raw["request"]; ok {
		t.Fatal("request leaked onto the topic")
	}
}

func TestPublishWriterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p := &Publisher{writer: &fakeKafkaWriter{err: boom}}
	if err := p.Publish(context.Background(), audit.Record{VerdictReference: "r"}); !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
}
