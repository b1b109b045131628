// Package events carries operational tick events to whoever is watching:
// the log, the websocket hub, or both. Pipelines receive a Sink by
// injection; nothing in here decides whether a device gets recharged.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is one published occurrence.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Sink receives events. Publish must not block the pipeline for long and
// must never fail a tick: errors are for the caller's log line only.
type Sink interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Topics used by the pipeline.
const (
	TopicTickStart        = "tick.start"
	TopicTickSummary      = "tick.summary"
	TopicLockContention   = "tick.lock_contention"
	TopicRecoveryBlocked  = "recovery.blocked"
	TopicQueueCorruption  = "queue.corruption"
	TopicProviderBalances = "provider.balances"
	TopicRechargeSuccess  = "recharge.success"
	TopicRechargeFailure  = "recharge.failure"
)

// NewEvent stamps a payload into an Event envelope.
func NewEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "topup-engine",
	}, nil
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log.WithField("component", "events")}
}

func (s *LogSink) Publish(ctx context.Context, topic string, payload any) error {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"topic":   ev.Topic,
		"event":   ev.ID,
		"payload": string(ev.Payload),
	}).Info("event")
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans one Publish out to several sinks; the first error wins but
// every sink still gets the event.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(ctx context.Context, topic string, payload any) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
