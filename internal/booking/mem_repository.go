package booking

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps every record in process memory. A single mutex
// makes each method one atomic unit. It backs STORE_DRIVER=memory and the
// test suites.
type MemoryRepository struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*Appointment
	waitlist     map[uuid.UUID]*WaitlistEntry
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[uuid.UUID]*Appointment),
		waitlist:     make(map[uuid.UUID]*WaitlistEntry),
	}
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *MemoryRepository) occupiedLocked(slot SlotKey) int {
	n := 0
	for _, a := range r.appointments {
		if a.Slot() == slot && a.Status.Occupying() {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) occupyingForUserLocked(userID uuid.UUID, slot SlotKey) *Appointment {
	for _, a := range r.appointments {
		if a.UserID == userID && a.Slot() == slot && a.Status.Occupying() {
			return a
		}
	}
	return nil
}

func (r *MemoryRepository) activeEntryForUserLocked(userID uuid.UUID, slot SlotKey) *WaitlistEntry {
	for _, e := range r.waitlist {
		if e.UserID == userID && e.Slot() == slot && e.Status.Active() {
			return e
		}
	}
	return nil
}

func (r *MemoryRepository) queueLocked(slot SlotKey, keep func(WaitlistStatus) bool) []*WaitlistEntry {
	var out []*WaitlistEntry
	for _, e := range r.waitlist {
		if e.Slot() == slot && keep(e.Status) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *WaitlistEntry) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return out
}

func (r *MemoryRepository) insertAppointmentLocked(a *Appointment, maxSeats int) (*Appointment, error) {
	slot := a.Slot()
	if r.occupyingForUserLocked(a.UserID, slot) != nil {
		return nil, ErrDuplicateBooking
	}
	if r.occupiedLocked(slot) >= maxSeats {
		return nil, ErrCapacityExceeded
	}
	stored := *a
	if stored.ID == uuid.Nil {
		stored.ID = newID()
	}
	r.appointments[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (r *MemoryRepository) Occupancy(_ context.Context, slot SlotKey) (Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	occ := Occupancy{Occupied: r.occupiedLocked(slot)}
	for _, e := range r.waitlist {
		if e.Slot() != slot {
			continue
		}
		switch e.Status {
		case WaitlistWaiting:
			occ.Waiting++
		case WaitlistNotified:
			occ.Notified++
		}
	}
	return occ, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) FindOccupyingAppointment(_ context.Context, userID uuid.UUID, slot SlotKey) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.occupyingForUserLocked(userID, slot)
	if a == nil {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListAppointmentsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Appointment
	for _, a := range r.appointments {
		if a.UserID == userID {
			result = append(result, *a)
		}
	}
	slices.SortFunc(result, func(a, b Appointment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(b.ID, a.ID)
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) InsertAppointmentWithinCapacity(_ context.Context, a *Appointment, maxSeats int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertAppointmentLocked(a, maxSeats)
}

func (r *MemoryRepository) TransitionAppointment(_ context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, at time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !slices.Contains(from, a.Status) {
		return nil, ErrInvalidStatusTransition
	}
	a.Status = to
	a.UpdatedAt = at
	out := *a
	return &out, nil
}

func (r *MemoryRepository) GetWaitlistEntryByID(_ context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryRepository) FindActiveWaitlistEntry(_ context.Context, userID uuid.UUID, slot SlotKey) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.activeEntryForUserLocked(userID, slot)
	if e == nil {
		return nil, ErrWaitlistEntryNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryRepository) ListActiveWaitlist(_ context.Context, slot SlotKey) ([]WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queueLocked(slot, WaitlistStatus.Active)
	result := make([]WaitlistEntry, 0, len(queue))
	for _, e := range queue {
		result = append(result, *copyEntry(e))
	}
	return result, nil
}

func (r *MemoryRepository) NextWaiting(_ context.Context, slot SlotKey) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queueLocked(slot, func(s WaitlistStatus) bool { return s == WaitlistWaiting })
	if len(queue) == 0 {
		return nil, ErrWaitlistEntryNotFound
	}
	return copyEntry(queue[0]), nil
}

func (r *MemoryRepository) InsertWaitlistEntry(_ context.Context, e *WaitlistEntry) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeEntryForUserLocked(e.UserID, e.Slot()) != nil {
		return nil, ErrDuplicateWaitlistEntry
	}
	stored := copyEntry(e)
	if stored.ID == uuid.Nil {
		stored.ID = newID()
	}
	r.waitlist[stored.ID] = stored
	return copyEntry(stored), nil
}

func (r *MemoryRepository) MarkWaitlistNotified(_ context.Context, id uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	if e.Status != WaitlistWaiting {
		return nil, ErrInvalidStatusTransition
	}
	e.Status = WaitlistNotified
	e.NotifiedAt = &notifiedAt
	e.ExpiresAt = &expiresAt
	e.UpdatedAt = notifiedAt
	return copyEntry(e), nil
}

func (r *MemoryRepository) UpdateWaitlistStatus(_ context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus, at time.Time) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	if !slices.Contains(from, e.Status) {
		return nil, ErrInvalidStatusTransition
	}
	e.Status = to
	e.UpdatedAt = at
	return copyEntry(e), nil
}

func (r *MemoryRepository) ExpireNotified(_ context.Context, slot *SlotKey, now time.Time) ([]WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []WaitlistEntry
	for _, e := range r.waitlist {
		if e.Status != WaitlistNotified || e.ExpiresAt == nil || e.ExpiresAt.After(now) {
			continue
		}
		if slot != nil && e.Slot() != *slot {
			continue
		}
		e.Status = WaitlistExpired
		e.UpdatedAt = now
		expired = append(expired, *copyEntry(e))
	}
	return expired, nil
}

func (r *MemoryRepository) ConvertWaitlistEntry(_ context.Context, entryID uuid.UUID, now time.Time, a *Appointment, maxSeats int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[entryID]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	if e.Status != WaitlistNotified || e.ExpiresAt == nil || !now.Before(*e.ExpiresAt) {
		return nil, ErrInvalidStatusTransition
	}

	created, err := r.insertAppointmentLocked(a, maxSeats)
	if err != nil {
		return nil, err
	}
	e.Status = WaitlistConverted
	e.UpdatedAt = now
	return created, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	r.events = append(r.events, ev)
	return nil
}

func copyEntry(e *WaitlistEntry) *WaitlistEntry {
	out := *e
	if e.NotifiedAt != nil {
		t := *e.NotifiedAt
		out.NotifiedAt = &t
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func compareIDs(a, b uuid.UUID) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
