// Package notify delivers slot-available events to users' channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
)

const EventSlotAvailable = "SLOT_AVAILABLE"

// Message is the wire form shared by every remote sink.
type Message struct {
	Type      string    `json:"type"`
	EntryID   string    `json:"entry_id"`
	UserID    string    `json:"user_id"`
	ClinicID  string    `json:"clinic_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewMessage(ev booking.SlotAvailable) Message {
	return Message{
		Type:      EventSlotAvailable,
		EntryID:   ev.EntryID.String(),
		UserID:    ev.UserID.String(),
		ClinicID:  ev.Slot.ClinicID.String(),
		Date:      ev.Slot.Date,
		Time:      ev.Slot.Time,
		ExpiresAt: ev.ExpiresAt.UTC(),
	}
}

func encode(ev booking.SlotAvailable) ([]byte, error) {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return nil, fmt.Errorf("encode slot available message: %w", err)
	}
	return body, nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []booking.NotificationSink

func (f Fanout) NotifySlotAvailable(ctx context.Context, ev booking.SlotAvailable) error {
	var errs []error
	for _, s := range f {
		if err := s.NotifySlotAvailable(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closer is implemented by sinks holding network resources.
type Closer interface {
	Close() error
}

// Close closes every sink of f that holds resources.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// New builds the sinks named in cfg.NotifySinks. rdb may be nil unless the
// redis sink is enabled.
func New(ctx context.Context, cfg config.Config, rdb *redis.Client, log zerolog.Logger) (Fanout, error) {
	var sinks Fanout
	for _, name := range cfg.NotifySinks {
		switch name {
		case "log":
			sinks = append(sinks, NewLogSink(log))
		case "kafka":
			sinks = append(sinks, NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		case "sqs":
			s, err := NewSQSSink(ctx, cfg.SQSQueueURL, cfg.SQSQueueName)
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		case "redis":
			if rdb == nil {
				_ = sinks.Close()
				return nil, errors.New("redis sink requires a redis client")
			}
			sinks = append(sinks, NewRedisSink(rdb, cfg.RedisChannel))
		default:
			_ = sinks.Close()
			return nil, fmt.Errorf("unknown notification sink %q", name)
		}
		log.Info().Str("sink", name).Msg("notification sink enabled")
	}
	return sinks, nil
}
