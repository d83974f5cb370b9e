package booking

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSeats is the capacity of every slot.
const MaxSeats = 3

// DateLayout is the calendar date format used in SlotKey.Date.
const DateLayout = "2006-01-02"

// SlotKey identifies a bookable unit. It is comparable and safe to use as a map key.
type SlotKey struct {
	ClinicID uuid.UUID
	Date     string
	Time     string
}

func (k SlotKey) Validate() error {
	if k.ClinicID == uuid.Nil {
		return fmt.Errorf("%w: clinic_id is required", ErrInvalidSlot)
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidSlot)
	}
	if strings.TrimSpace(k.Time) == "" {
		return fmt.Errorf("%w: time is required", ErrInvalidSlot)
	}
	return nil
}

func (k SlotKey) String() string {
	return k.ClinicID.String() + "/" + k.Date + "/" + k.Time
}

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusRejected  AppointmentStatus = "rejected"
)

// Occupying reports whether an appointment in this status counts against slot capacity.
func (s AppointmentStatus) Occupying() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted:
		return true
	}
	return false
}

// OccupyingStatuses lists the statuses counted by the capacity ledger.
var OccupyingStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted}

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistConverted WaitlistStatus = "converted"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// Active reports whether the entry still holds a place in the queue.
func (s WaitlistStatus) Active() bool {
	return s == WaitlistWaiting || s == WaitlistNotified
}

// PetDetails is the caller supplied content of an appointment.
type PetDetails struct {
	PetName string
	PetType string
	Reason  string
}

type Appointment struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ClinicID  uuid.UUID
	Date      string
	Time      string
	PetName   string
	PetType   string
	Reason    string
	Status    AppointmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Slot() SlotKey {
	return SlotKey{ClinicID: a.ClinicID, Date: a.Date, Time: a.Time}
}

type WaitlistEntry struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ClinicID   uuid.UUID
	Date       string
	Time       string
	Status     WaitlistStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	NotifiedAt *time.Time
	ExpiresAt  *time.Time
}

func (e *WaitlistEntry) Slot() SlotKey {
	return SlotKey{ClinicID: e.ClinicID, Date: e.Date, Time: e.Time}
}

// Before reports whether e is ahead of other in FIFO order.
func (e *WaitlistEntry) Before(other *WaitlistEntry) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.ID.String() < other.ID.String()
}

func sortEntries(entries []WaitlistEntry) {
	slices.SortFunc(entries, func(a, b WaitlistEntry) int {
		switch {
		case a.Before(&b):
			return -1
		case b.Before(&a):
			return 1
		}
		return 0
	})
}

// Occupancy is a snapshot of one slot.
type Occupancy struct {
	Occupied int
	Waiting  int
	Notified int
}

// Waitlisted is the number of entries still holding a queue place.
func (o Occupancy) Waitlisted() int {
	return o.Waiting + o.Notified
}

type EventLog struct {
	ID        int64
	EventType string
	SubjectID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
