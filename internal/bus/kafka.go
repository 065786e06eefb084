package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// messageWriter is the part of *kafka.Writer the tap uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTap exports ticks to a Kafka topic, keyed by stream id so each
// stream stays ordered within its partition.
type KafkaTap struct {
	writer messageWriter
}

// NewKafkaTap builds a tap writing to topic on brokers.
func NewKafkaTap(brokers []string, topic string) *KafkaTap {
	return &KafkaTap{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (k *KafkaTap) Name() string { return "kafka" }

// Forward writes the batch.
func (k *KafkaTap) Forward(ctx context.Context, ticks []model.Tick) error {
	msgs := make([]kafka.Message, 0, len(ticks))
	for _, t := range ticks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tick: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Key().String()),
			Value: data,
			Time:  t.ReceivedAt,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaTap) Close() error { return k.writer.Close() }
