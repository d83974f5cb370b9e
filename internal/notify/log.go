package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

// LogSink writes notifications to the service log. It is the dev default.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notify").Logger()}
}

func (s *LogSink) NotifySlotAvailable(_ context.Context, ev booking.SlotAvailable) error {
	s.log.Info().
		Str("entry_id", ev.EntryID.String()).
		Str("user_id", ev.UserID.String()).
		Str("slot", ev.Slot.String()).
		Time("expires_at", ev.ExpiresAt).
		Msg("slot available")
	return nil
}
