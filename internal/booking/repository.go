package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrWaitlistEntryNotFound   = errors.New("waitlist entry not found")
	ErrCapacityExceeded        = errors.New("slot is at capacity")
	ErrDuplicateBooking        = errors.New("user already holds an appointment for this slot")
	ErrDuplicateWaitlistEntry  = errors.New("user is already on the waitlist for this slot")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrTransientStore          = errors.New("store temporarily unavailable, please retry")
)

// Repository contains all store interactions needed by the booking core.
// Every method that changes occupancy or waitlist status is atomic with
// respect to other callers working on the same slot.
type Repository interface {
	// Capacity ledger
	Occupancy(ctx context.Context, slot SlotKey) (Occupancy, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindOccupyingAppointment(ctx context.Context, userID uuid.UUID, slot SlotKey) (*Appointment, error)
	ListAppointmentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error)

	// InsertAppointmentWithinCapacity inserts a only if the slot has fewer than
	// maxSeats occupying appointments. It returns ErrCapacityExceeded or
	// ErrDuplicateBooking without writing anything when it cannot.
	InsertAppointmentWithinCapacity(ctx context.Context, a *Appointment, maxSeats int) (*Appointment, error)

	// TransitionAppointment moves an appointment from one of the given
	// statuses to `to`. Leaving an occupying status for a released one frees
	// the seat in the same unit of work. ErrInvalidStatusTransition means the
	// row was not in any of the `from` statuses.
	TransitionAppointment(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, at time.Time) (*Appointment, error)

	// Waitlist
	GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	FindActiveWaitlistEntry(ctx context.Context, userID uuid.UUID, slot SlotKey) (*WaitlistEntry, error)
	ListActiveWaitlist(ctx context.Context, slot SlotKey) ([]WaitlistEntry, error)
	NextWaiting(ctx context.Context, slot SlotKey) (*WaitlistEntry, error)
	InsertWaitlistEntry(ctx context.Context, e *WaitlistEntry) (*WaitlistEntry, error)
	MarkWaitlistNotified(ctx context.Context, id uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitlistEntry, error)
	UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus, at time.Time) (*WaitlistEntry, error)

	// ExpireNotified moves notified entries whose window closed at or before
	// now to expired. A nil slot sweeps every slot.
	ExpireNotified(ctx context.Context, slot *SlotKey, now time.Time) ([]WaitlistEntry, error)

	// ConvertWaitlistEntry marks a notified, unexpired entry converted and
	// inserts a within capacity. Both happen or neither does.
	ConvertWaitlistEntry(ctx context.Context, entryID uuid.UUID, now time.Time, a *Appointment, maxSeats int) (*Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
