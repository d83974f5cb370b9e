package booking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentRejected  = "APPOINTMENT_REJECTED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventWaitlistJoined       = "WAITLIST_JOINED"
	EventWaitlistNotified     = "WAITLIST_NOTIFIED"
	EventWaitlistExpired      = "WAITLIST_EXPIRED"
	EventWaitlistConverted    = "WAITLIST_CONVERTED"
	EventWaitlistCancelled    = "WAITLIST_CANCELLED"
)

// Clock returns the current time. Tests swap it for a controllable one.
type Clock func() time.Time

// eventRecorder writes the audit trail. Failures are logged, never returned:
// a missing audit row must not undo a state transition.
type eventRecorder struct {
	repo Repository
	log  zerolog.Logger
	now  Clock
}

func (r *eventRecorder) record(ctx context.Context, subjectID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	id := subjectID
	ev := EventLog{
		EventType: eventType,
		SubjectID: &id,
		Payload:   data,
		CreatedAt: r.now(),
	}

	if err := r.repo.InsertEvent(ctx, ev); err != nil {
		r.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("subject_id", subjectID.String()).
			Msg("failed to insert event log")
	}
}

func slotPayload(slot SlotKey, extra map[string]any) map[string]any {
	payload := map[string]any{
		"clinic_id": slot.ClinicID.String(),
		"date":      slot.Date,
		"time":      slot.Time,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
