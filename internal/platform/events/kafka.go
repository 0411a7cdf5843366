package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shopcore/api/internal/services"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaPublisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the kafka-go writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	Logger       kafka.Logger
	ErrorLogger  kafka.Logger
}

// NewKafkaWriter builds a synchronous writer that hashes on the order id so events of one order
// land on one partition.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka order publisher: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
		MaxAttempts:  3,
		Logger:       cfg.Logger,
		ErrorLogger:  cfg.ErrorLogger,
	}, nil
}

// KafkaPublisher publishes order events to a Kafka topic.
type KafkaPublisher struct {
	writer  KafkaWriter
	marshal func(any) ([]byte, error)
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer KafkaWriter) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka order publisher: writer is required")
	}
	return &KafkaPublisher{writer: writer, marshal: json.Marshal}, nil
}

// PublishOrderEvent satisfies services.OrderEventPublisher. Kafka has no server message id, so the
// event id is returned.
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) (string, error) {
	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}
	attrs := eventAttributes(ctx, event)
	headers := make([]kafka.Header, 0, len(attrs))
	for key, value := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	msg := kafka.Message{
		Key:     []byte(strconv.FormatInt(event.OrderID, 10)),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return event.ID, nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
