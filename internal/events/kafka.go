// Package events fans identity events out to the audit log, metrics and Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

// DefaultTopic receives every event type without an explicit mapping.
const DefaultTopic = "helpdesk.identity.events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the wire form of an identity event.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	IdentityID string            `json:"identity_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// KafkaPublisher publishes identity events keyed by identity id, so the events of one
// identity stay ordered within a partition.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	topicByEvent map[string]string
	source       string
	timeout      time.Duration
}

var _ auth.Dispatcher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds an asynchronous publisher. Delivery failures are logged and
// counted; they never fail the transition that produced the event.
func NewKafkaPublisher(brokers []string, topic string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			for range msgs {
				obs.CountPublishFailure()
			}
			obs.Error("kafka publish failed", map[string]any{"messages": len(msgs), "error": err.Error()})
		},
	}
	return newKafkaPublisher(w, topic, topicByEvent), nil
}

func newKafkaPublisher(w messageWriter, topic string, topicByEvent map[string]string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer:       w,
		topic:        topic,
		topicByEvent: topicByEvent,
		source:       "helpdesk.identity",
		timeout:      5 * time.Second,
	}
}

// Dispatch implements auth.Dispatcher.
func (p *KafkaPublisher) Dispatch(ctx context.Context, ev auth.Event) {
	if err := p.Publish(ctx, ev); err != nil {
		obs.CountPublishFailure()
		obs.Error("kafka publish failed", map[string]any{"event": string(ev.Type), "error": err.Error()})
	}
}

// Publish encodes ev and writes it to its topic.
func (p *KafkaPublisher) Publish(ctx context.Context, ev auth.Event) error {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       string(ev.Type),
		Source:     p.source,
		IdentityID: ev.IdentityID,
		ActorID:    ev.ActorID,
		IP:         ev.IP,
		OccurredAt: ev.OccurredAt.UTC(),
		Fields:     ev.Fields,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := p.topic
	if mapped, ok := p.topicByEvent[env.Type]; ok && mapped != "" {
		topic = mapped
	}
	// The request may already be finished when the event is dispatched.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(ev.IdentityID),
		Value: payload,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
		},
	})
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
