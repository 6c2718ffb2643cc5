// Package events publishes model lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fractal-lba/profitcast/internal/api"
)

// TypeModelTrained is the event type emitted after a successful training run.
const TypeModelTrained = "model.trained"

// ModelTrained is the payload of a model.trained event.
type ModelTrained struct {
	Type         string        `json:"type"`
	Version      string        `json:"version"`
	Algorithm    api.Algorithm `json:"algorithm"`
	TrainedAt    time.Time     `json:"trained_at"`
	HorizonDays  int           `json:"days_ahead"`
	TrainSamples int           `json:"train_samples"`
	TestSamples  int           `json:"test_samples"`
	MAE          *float64      `json:"mae"`
	R2           *float64      `json:"r2_score"`
	Synthetic    bool          `json:"synthetic"`
}

// NewModelTrained builds the event from persisted metadata.
func NewModelTrained(meta api.ModelMetadata) ModelTrained {
	return ModelTrained{
		Type:         TypeModelTrained,
		Version:      meta.Version,
		Algorithm:    meta.Algorithm,
		TrainedAt:    meta.TrainedAt,
		HorizonDays:  meta.HorizonDays,
		TrainSamples: meta.TrainSamples,
		TestSamples:  meta.TestSamples,
		MAE:          meta.MAE,
		R2:           meta.R2,
		Synthetic:    meta.Synthetic,
	}
}

// Publisher emits model events.
type Publisher interface {
	PublishModelTrained(ctx context.Context, ev ModelTrained) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishModelTrained(context.Context, ModelTrained) error { return nil }
func (Nop) Close() error                                            { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaPublisher writes events to one topic keyed by model slot.
type KafkaPublisher struct {
	writer  messageWriter
	key     []byte
	timeout time.Duration
}

// NewKafkaPublisher creates a synchronous writer that waits for all replicas.
func NewKafkaPublisher(cfg KafkaConfig, slot string) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newKafkaPublisher(w, slot, cfg.WriteTimeout), nil
}

func newKafkaPublisher(w messageWriter, slot string, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, key: []byte(slot), timeout: timeout}
}

func (p *KafkaPublisher) PublishModelTrained(ctx context.Context, ev ModelTrained) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   p.key,
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
