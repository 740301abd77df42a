// Package changefeed publishes parent dimension changes to downstream consumers.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

// Event is one published change record.
type Event struct {
	Table      string           `json:"table"`
	Version    int64            `json:"version"`
	ChangeType store.ChangeType `json:"change_type"`
	Timestamp  time.Time        `json:"timestamp"`
	Row        table.Row        `json:"row"`
}

// Publisher sends events downstream.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}

// Pending returns the change feed events of name committed after version
// after, oldest first, and the newest version seen (after when there are none).
func Pending(ctx context.Context, st store.Store, name table.Name, after int64) ([]Event, int64, error) {
	changes, err := st.Changes(ctx, name, after+1)
	if err != nil {
		return nil, after, fmt.Errorf("reading changes of %s: %w", name, err)
	}
	last := after
	events := make([]Event, 0, len(changes))
	for _, c := range changes {
		events = append(events, Event{
			Table:      name.String(),
			Version:    c.Version,
			ChangeType: c.Type,
			Timestamp:  c.Timestamp,
			Row:        c.Row,
		})
		if c.Version > last {
			last = c.Version
		}
	}
	return events, last, nil
}

// KafkaPublisher writes events to a Kafka topic keyed by a row column, so
// every change of one customer lands on the same partition in order.
type KafkaPublisher struct {
	writer  *kafka.Writer
	key     string
	retries int
	backoff time.Duration
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic, key string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
		key:     key,
		retries: 5,
		backoff: 200 * time.Millisecond,
	}
}

// Publish writes all events, retrying messages that failed with a temporary error.
func (p *KafkaPublisher) Publish(ctx context.Context, events []Event) error {
	msgs, err := Messages(events, p.key)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	wait := p.backoff
	for attempt := 0; ; attempt++ {
		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil
		}
		remaining, retry := retryable(err, msgs)
		if !retry || attempt >= p.retries {
			return fmt.Errorf("publishing %d changes to %s: %w", len(msgs), p.writer.Topic, err)
		}
		msgs = remaining
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// retryable returns the messages worth sending again. Any permanent failure
// stops the retry loop.
func retryable(err error, msgs []kafka.Message) ([]kafka.Message, bool) {
	switch err := err.(type) {
	case kafka.Error:
		return msgs, err.Temporary()
	case kafka.WriteErrors:
		var remaining []kafka.Message
		for i, m := range msgs {
			switch e := err[i].(type) {
			case nil:
				continue
			case kafka.Error:
				if !e.Temporary() {
					return nil, false
				}
				remaining = append(remaining, m)
			default:
				return nil, false
			}
		}
		return remaining, len(remaining) > 0
	default:
		return nil, false
	}
}

// Messages encodes events as Kafka messages keyed by the key column.
func Messages(events []Event, key string) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encoding change v%d: %w", e.Version, err)
		}
		m := kafka.Message{
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "change_type", Value: []byte(e.ChangeType)},
			},
		}
		if k, ok := e.Row.String(key); ok {
			m.Key = []byte(k)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// MockPublisher records published events for tests.
type MockPublisher struct {
	Events []Event
	Err    error
	Closed bool
}

func (m *MockPublisher) Publish(_ context.Context, events []Event) error {
	if m.Err != nil {
		return m.Err
	}
	m.Events = append(m.Events, events...)
	return nil
}

func (m *MockPublisher) Close() error {
	m.Closed = true
	return nil
}
