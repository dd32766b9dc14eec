package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards outbox rows to a single Kafka topic. Messages are
// keyed by aggregate id so events for one order stay on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	brokers []string
}

// NewKafkaPublisher builds a synchronous writer that waits for all in-sync replicas.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	return &KafkaPublisher{writer: writer, topic: cfg.Topic, brokers: cfg.Brokers}, nil
}

func newKafkaPublisherWithWriter(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Topic returns the destination topic.
func (p *KafkaPublisher) Topic() string {
	return p.topic
}

// Ping dials the first reachable broker.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	if p == nil || len(p.brokers) == 0 {
		return errors.New("kafka publisher not configured")
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return lastErr
}

// Publish writes one outbox row and blocks until the broker acknowledges it.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher not configured")
	}
	return p.writer.WriteMessages(ctx, BuildMessage(event))
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// BuildMessage maps an outbox row to its Kafka message.
func BuildMessage(event models.OutboxEvent) kafka.Message {
	headers := []kafka.Header{
		{Key: "outbox_id", Value: []byte(event.ID.String())},
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "aggregate_type", Value: []byte(event.AggregateType)},
		{Key: "aggregate_id", Value: []byte(event.AggregateID.String())},
	}
	if env, err := DecodeEnvelope(event.Payload); err == nil && env.EventID != "" {
		headers = append(headers, kafka.Header{Key: "event_id", Value: []byte(env.EventID)})
	}
	return kafka.Message{
		Key:     []byte(event.AggregateID.String()),
		Value:   event.Payload,
		Time:    event.CreatedAt,
		Headers: headers,
	}
}
