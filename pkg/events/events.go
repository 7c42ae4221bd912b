// Package events mirrors committed verdicts onto a Kafka topic so downstream
// systems can follow the checker's decisions without polling the audit store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/epi-project/policy-reasoner/pkg/audit"
)

// Verdict is the published view of an audit record. Diagnostic detail and
// the raw request stay in the audit store; the topic carries only what the
// checker is willing to share.
type Verdict struct {
	VerdictReference string    `json:"verdict_reference"`
	Initiator        string    `json:"initiator"`
	System           string    `json:"system"`
	Verb             string    `json:"verb"`
	Verdict          string    `json:"verdict"`
	ReasonCode       string    `json:"reason_code,omitempty"`
	Reasons          []string  `json:"reasons,omitempty"`
	PolicyVersion    int64     `json:"policy_version"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic the publisher writes to.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes one message per committed verdict, keyed by the initiator
// so one initiator's verdicts land on one partition, in order.
type Publisher struct {
	writer kafkaWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

// Publish mirrors one committed audit record.
func (p *Publisher) Publish(ctx context.Context, rec audit.Record) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("event publisher not initialized")
	}
	value, err := json.Marshal(Verdict{
		VerdictReference: rec.VerdictReference,
		Initiator:        rec.Initiator,
		System:           rec.System,
		Verb:             rec.Verb,
		Verdict:          rec.Verdict,
		ReasonCode:       rec.ReasonCode,
		Reasons:          rec.Reasons,
		PolicyVersion:    rec.PolicyVersion,
		Fingerprint:      rec.Fingerprint,
		CreatedAt:        rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode verdict event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Initiator),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
