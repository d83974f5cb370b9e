package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per notification, keyed by slot so all
// events of a slot land on the same partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}),
	}
}

func (s *KafkaSink) NotifySlotAvailable(ctx context.Context, ev booking.SlotAvailable) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Slot.String()),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
