package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

type AdmissionOutcome string

const (
	OutcomeAdmit             AdmissionOutcome = "ADMIT"
	OutcomeSlotFull          AdmissionOutcome = "SLOT_FULL_OFFER_WAITLIST"
	OutcomeAlreadyWaitlisted AdmissionOutcome = "ALREADY_WAITLISTED"
	OutcomeAlreadyBooked     AdmissionOutcome = "ALREADY_BOOKED"
)

// AdmissionResult is the typed answer to a booking attempt. Appointment is
// set for ADMIT and ALREADY_BOOKED, WaitlistEntry for ALREADY_WAITLISTED.
type AdmissionResult struct {
	Outcome       AdmissionOutcome
	Appointment   *Appointment
	WaitlistEntry *WaitlistEntry
}

// OfferWaitlist reports whether the caller should be offered a waitlist join.
func (r AdmissionResult) OfferWaitlist() bool {
	return r.Outcome == OutcomeSlotFull
}

// Admission decides booking attempts and creates waitlist entries.
type Admission struct {
	repo   Repository
	ledger *Ledger
	locker redisclient.Locker
	events *eventRecorder
	now    Clock
}

func NewAdmission(repo Repository, ledger *Ledger, locker redisclient.Locker, events *eventRecorder, now Clock) *Admission {
	return &Admission{repo: repo, ledger: ledger, locker: locker, events: events, now: now}
}

// AttemptBook runs the admit-or-offer decision for userID on slot.
func (a *Admission) AttemptBook(ctx context.Context, userID uuid.UUID, slot SlotKey, details PetDetails) (AdmissionResult, error) {
	if err := slot.Validate(); err != nil {
		return AdmissionResult{}, err
	}

	existing, err := a.repo.FindOccupyingAppointment(ctx, userID, slot)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return AdmissionResult{}, fmt.Errorf("check existing appointment: %w", err)
	}
	if existing != nil {
		return AdmissionResult{Outcome: OutcomeAlreadyBooked, Appointment: existing}, nil
	}

	entry, err := a.repo.FindActiveWaitlistEntry(ctx, userID, slot)
	if err != nil && !errors.Is(err, ErrWaitlistEntryNotFound) {
		return AdmissionResult{}, fmt.Errorf("check waitlist entry: %w", err)
	}
	if entry != nil {
		return AdmissionResult{Outcome: OutcomeAlreadyWaitlisted, WaitlistEntry: entry}, nil
	}

	var result AdmissionResult
	err = withSlotLock(ctx, a.locker, slot, func(lockCtx context.Context) error {
		now := a.now()
		created, err := a.repo.InsertAppointmentWithinCapacity(lockCtx, &Appointment{
			ID:        newID(),
			UserID:    userID,
			ClinicID:  slot.ClinicID,
			Date:      slot.Date,
			Time:      slot.Time,
			PetName:   details.PetName,
			PetType:   details.PetType,
			Reason:    details.Reason,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}, MaxSeats)

		switch {
		case errors.Is(err, ErrCapacityExceeded):
			result = AdmissionResult{Outcome: OutcomeSlotFull}
			return nil
		case errors.Is(err, ErrDuplicateBooking):
			// lost a race against the same user's other request
			dup, findErr := a.repo.FindOccupyingAppointment(lockCtx, userID, slot)
			if findErr != nil && !errors.Is(findErr, ErrAppointmentNotFound) {
				return fmt.Errorf("load duplicate appointment: %w", findErr)
			}
			result = AdmissionResult{Outcome: OutcomeAlreadyBooked, Appointment: dup}
			return nil
		case err != nil:
			return fmt.Errorf("insert appointment: %w", err)
		}

		result = AdmissionResult{Outcome: OutcomeAdmit, Appointment: created}
		a.events.record(lockCtx, created.ID, EventAppointmentCreated, slotPayload(slot, map[string]any{
			"user_id": userID.String(),
		}))
		return nil
	})
	if err != nil {
		return AdmissionResult{}, err
	}

	return result, nil
}

// JoinWaitlist places userID at the back of slot's queue. The duplicate
// guard is the store's uniqueness constraint, so a join racing another join
// for the same user still yields ErrDuplicateWaitlistEntry.
func (a *Admission) JoinWaitlist(ctx context.Context, userID uuid.UUID, slot SlotKey) (*WaitlistEntry, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	existing, err := a.repo.FindOccupyingAppointment(ctx, userID, slot)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("check existing appointment: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateBooking
	}

	if _, err := a.repo.FindActiveWaitlistEntry(ctx, userID, slot); err == nil {
		return nil, ErrDuplicateWaitlistEntry
	} else if !errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, fmt.Errorf("check waitlist entry: %w", err)
	}

	// seat check and insert are serialized with promotion passes
	var entry *WaitlistEntry
	err = withSlotLock(ctx, a.locker, slot, func(lockCtx context.Context) error {
		free, err := a.ledger.HasFreeSeat(lockCtx, slot)
		if err != nil {
			return err
		}
		if free {
			return ErrSeatAvailable
		}

		now := a.now()
		entry, err = a.repo.InsertWaitlistEntry(lockCtx, &WaitlistEntry{
			ID:        newID(),
			UserID:    userID,
			ClinicID:  slot.ClinicID,
			Date:      slot.Date,
			Time:      slot.Time,
			Status:    WaitlistWaiting,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil && !errors.Is(err, ErrDuplicateWaitlistEntry) {
			return fmt.Errorf("insert waitlist entry: %w", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	a.events.record(ctx, entry.ID, EventWaitlistJoined, slotPayload(slot, map[string]any{
		"user_id": userID.String(),
	}))

	return entry, nil
}

// withSlotLock runs fn under the slot lock. A lock that cannot be taken in
// time is reported as a transient store error so the caller retries.
func withSlotLock(ctx context.Context, locker redisclient.Locker, slot SlotKey, fn func(ctx context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	ran := false
	err := locker.WithSlotLock(ctx, slot.String(), func(lockCtx context.Context) error {
		ran = true
		return fn(lockCtx)
	})
	if err != nil && !ran && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return err
}
