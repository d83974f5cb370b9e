package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes notifications on a pub/sub channel.
type RedisSink struct {
	client  publisher
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) NotifySlotAvailable(ctx context.Context, ev booking.SlotAvailable) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
