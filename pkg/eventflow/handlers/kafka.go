package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// KafkaName is the forwarder's default handler name.
const KafkaName = "KafkaForwarder"

// Message headers set on every forwarded event.
const (
	HeaderEventName   = "event_name"
	HeaderOrigin      = "event_origin"
	HeaderApplication = "application"
)

// MessageWriter is the part of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaOption configures a KafkaForwarder.
type KafkaOption func(*KafkaForwarder)

// WithKafkaName overrides the handler name, and so the endpoint.
func WithKafkaName(name string) KafkaOption {
	return func(f *KafkaForwarder) {
		f.name = name
	}
}

// WithEventTypes restricts forwarding to the listed event types.
func WithEventTypes(types ...string) KafkaOption {
	return func(f *KafkaForwarder) {
		f.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			f.types[t] = struct{}{}
		}
	}
}

// KafkaForwarder publishes each event's envelope as JSON to a topic,
// keyed by event ID. Consumers downstream must deduplicate on that key.
type KafkaForwarder struct {
	name   string
	topic  string
	writer MessageWriter
	types  map[string]struct{}
}

// NewKafkaForwarder creates a forwarder writing to topic.
// Without WithEventTypes it subscribes to every event.
func NewKafkaForwarder(w MessageWriter, topic string, opts ...KafkaOption) *KafkaForwarder {
	f := &KafkaForwarder{name: KafkaName, topic: topic, writer: w}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *KafkaForwarder) Name() string { return f.name }

func (f *KafkaForwarder) CanHandle(eventType string) bool {
	if f.types == nil {
		return true
	}
	_, ok := f.types[eventType]
	return ok
}

// Handle writes the event. Broker failures are reported as
// KindExternalService so the record is retried.
func (f *KafkaForwarder) Handle(ctx context.Context, evt *event.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return event.Deserialization(fmt.Errorf("encode envelope: %w", err))
	}

	msg := kafka.Message{
		Topic: f.topic,
		Key:   []byte(evt.ID),
		Value: value,
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEventName, Value: []byte(evt.Name)},
			{Key: HeaderOrigin, Value: []byte(evt.Origin)},
			{Key: HeaderApplication, Value: []byte(evt.Application)},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return event.ExternalService(fmt.Errorf("write to %s: %w", f.topic, err))
	}
	return nil
}

// NewKafkaWriter builds a synchronous writer that waits for all replicas.
// The topic is left unset; the forwarder sets it per message.
func NewKafkaWriter(brokers []string, clientID string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}, nil
}

var _ event.Handler = (*KafkaForwarder)(nil)
