package booking

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

// RoleOperator is the clinic side role allowed to confirm, reject and
// complete appointments.
const RoleOperator = "operator"

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID uuid.UUID
	Roles  []string
}

func (c Caller) IsOperator() bool {
	return slices.Contains(c.Roles, RoleOperator)
}

type transition struct {
	from    []AppointmentStatus
	to      AppointmentStatus
	event   string
	release bool
}

var (
	confirmTransition  = transition{from: []AppointmentStatus{StatusPending}, to: StatusConfirmed, event: EventAppointmentConfirmed}
	completeTransition = transition{from: []AppointmentStatus{StatusConfirmed}, to: StatusCompleted, event: EventAppointmentCompleted}
	rejectTransition   = transition{from: []AppointmentStatus{StatusPending}, to: StatusRejected, event: EventAppointmentRejected, release: true}
	cancelTransition   = transition{from: []AppointmentStatus{StatusPending, StatusConfirmed}, to: StatusCancelled, event: EventAppointmentCancelled, release: true}
)

// Lifecycle drives appointments through their state machine and converts
// notified waitlist entries into appointments.
type Lifecycle struct {
	repo     Repository
	locker   redisclient.Locker
	promoter *Promoter
	events   *eventRecorder
	log      zerolog.Logger
	now      Clock
}

func NewLifecycle(repo Repository, locker redisclient.Locker, promoter *Promoter, events *eventRecorder, log zerolog.Logger, now Clock) *Lifecycle {
	return &Lifecycle{repo: repo, locker: locker, promoter: promoter, events: events, log: log, now: now}
}

func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (l *Lifecycle) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	appts, err := l.repo.ListAppointmentsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by user: %w", err)
	}
	return appts, nil
}

func (l *Lifecycle) Confirm(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	if !caller.IsOperator() {
		return nil, ErrForbidden
	}
	return l.apply(ctx, caller, id, confirmTransition)
}

func (l *Lifecycle) Complete(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	if !caller.IsOperator() {
		return nil, ErrForbidden
	}
	return l.apply(ctx, caller, id, completeTransition)
}

func (l *Lifecycle) Reject(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	if !caller.IsOperator() {
		return nil, ErrForbidden
	}
	return l.apply(ctx, caller, id, rejectTransition)
}

// Cancel is only allowed for the user who owns the appointment.
func (l *Lifecycle) Cancel(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	appt, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.UserID != caller.UserID {
		return nil, ErrForbidden
	}
	return l.apply(ctx, caller, id, cancelTransition)
}

func (l *Lifecycle) apply(ctx context.Context, caller Caller, id uuid.UUID, t transition) (*Appointment, error) {
	updated, err := l.repo.TransitionAppointment(ctx, id, t.from, t.to, l.now())
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || errors.Is(err, ErrInvalidStatusTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("%s appointment: %w", t.to, err)
	}

	l.events.record(ctx, updated.ID, t.event, slotPayload(updated.Slot(), map[string]any{
		"actor_id": caller.UserID.String(),
	}))

	if t.release {
		// the release is committed; a failed promotion must not turn it into an error
		if _, err := l.promoter.OnSeatReleased(ctx, updated.Slot()); err != nil {
			l.log.Warn().Err(err).
				Str("appointment_id", updated.ID.String()).
				Str("slot", updated.Slot().String()).
				Msg("promotion after release failed")
		}
	}

	return updated, nil
}

// Convert turns the caller's notified waitlist entry into a pending
// appointment. Capacity is re-checked at conversion time because the freed
// seat is not held for the notified user.
func (l *Lifecycle) Convert(ctx context.Context, caller Caller, entryID uuid.UUID, details PetDetails) (*Appointment, error) {
	entry, err := l.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load waitlist entry: %w", err)
	}
	if entry.UserID != caller.UserID {
		return nil, ErrForbidden
	}
	if err := l.checkWindow(ctx, entry); err != nil {
		return nil, err
	}

	slot := entry.Slot()
	var created *Appointment
	err = withSlotLock(ctx, l.locker, slot, func(lockCtx context.Context) error {
		now := l.now()
		appt := &Appointment{
			ID:        newID(),
			UserID:    caller.UserID,
			ClinicID:  slot.ClinicID,
			Date:      slot.Date,
			Time:      slot.Time,
			PetName:   details.PetName,
			PetType:   details.PetType,
			Reason:    details.Reason,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		var err error
		created, err = l.repo.ConvertWaitlistEntry(lockCtx, entryID, now, appt, MaxSeats)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrDuplicateBooking):
		return nil, err
	case errors.Is(err, ErrInvalidStatusTransition):
		// status or window changed between the read and the write
		current, getErr := l.repo.GetWaitlistEntryByID(ctx, entryID)
		if getErr != nil {
			return nil, fmt.Errorf("reload waitlist entry: %w", getErr)
		}
		if windowErr := l.checkWindow(ctx, current); windowErr != nil {
			return nil, windowErr
		}
		return nil, ErrInvalidStatusTransition
	default:
		return nil, fmt.Errorf("convert waitlist entry: %w", err)
	}

	l.events.record(ctx, entryID, EventWaitlistConverted, slotPayload(slot, map[string]any{
		"user_id":        caller.UserID.String(),
		"appointment_id": created.ID.String(),
	}))
	l.events.record(ctx, created.ID, EventAppointmentCreated, slotPayload(slot, map[string]any{
		"user_id":           caller.UserID.String(),
		"waitlist_entry_id": entryID.String(),
	}))

	return created, nil
}

// checkWindow returns nil only for a notified entry whose window is open.
// A lapsed window is expired on the spot.
func (l *Lifecycle) checkWindow(ctx context.Context, entry *WaitlistEntry) error {
	switch entry.Status {
	case WaitlistNotified:
	case WaitlistExpired:
		return ErrWaitlistWindowExpired
	default:
		return ErrInvalidStatusTransition
	}

	now := l.now()
	if entry.ExpiresAt != nil && now.Before(*entry.ExpiresAt) {
		return nil
	}

	_, err := l.repo.UpdateWaitlistStatus(ctx, entry.ID, []WaitlistStatus{WaitlistNotified}, WaitlistExpired, now)
	switch {
	case err == nil:
		l.events.record(ctx, entry.ID, EventWaitlistExpired, slotPayload(entry.Slot(), map[string]any{
			"user_id": entry.UserID.String(),
			"reason":  "convert_after_expiry",
		}))
		if _, err := l.promoter.OnSeatReleased(ctx, entry.Slot()); err != nil {
			l.log.Warn().Err(err).Str("slot", entry.Slot().String()).Msg("promotion after lapsed window failed")
		}
	case !errors.Is(err, ErrInvalidStatusTransition):
		l.log.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("failed to expire waitlist entry during convert")
	}
	return ErrWaitlistWindowExpired
}
