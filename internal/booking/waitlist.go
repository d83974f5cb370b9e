package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue maintains the per slot FIFO of waitlist entries. Order always comes
// from the persisted (created_at, id) pair, never from memory.
type Queue struct {
	repo   Repository
	events *eventRecorder
	now    Clock
}

func NewQueue(repo Repository, events *eventRecorder, now Clock) *Queue {
	return &Queue{repo: repo, events: events, now: now}
}

// PeekNext returns the earliest waiting entry, or ErrWaitlistEntryNotFound.
func (q *Queue) PeekNext(ctx context.Context, slot SlotKey) (*WaitlistEntry, error) {
	e, err := q.repo.NextWaiting(ctx, slot)
	if err != nil {
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("peek waitlist: %w", err)
	}
	return e, nil
}

// MarkNotified opens a claim window of length ttl on a waiting entry.
func (q *Queue) MarkNotified(ctx context.Context, entry *WaitlistEntry, ttl time.Duration) (*WaitlistEntry, error) {
	now := q.now()
	updated, err := q.repo.MarkWaitlistNotified(ctx, entry.ID, now, now.Add(ttl))
	if err != nil {
		if errors.Is(err, ErrInvalidStatusTransition) || errors.Is(err, ErrWaitlistEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("mark waitlist entry notified: %w", err)
	}

	q.events.record(ctx, updated.ID, EventWaitlistNotified, slotPayload(updated.Slot(), map[string]any{
		"user_id":    updated.UserID.String(),
		"expires_at": updated.ExpiresAt,
	}))
	return updated, nil
}

// SweepExpired expires every notified entry whose window has closed by now.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) ([]WaitlistEntry, error) {
	return q.sweep(ctx, nil, now, "worker")
}

// SweepSlot is the lazy form of SweepExpired limited to one slot.
func (q *Queue) SweepSlot(ctx context.Context, slot SlotKey, now time.Time) ([]WaitlistEntry, error) {
	return q.sweep(ctx, &slot, now, "lazy")
}

func (q *Queue) sweep(ctx context.Context, slot *SlotKey, now time.Time, reason string) ([]WaitlistEntry, error) {
	expired, err := q.repo.ExpireNotified(ctx, slot, now)
	if err != nil {
		return nil, fmt.Errorf("expire notified entries: %w", err)
	}
	for _, e := range expired {
		q.events.record(ctx, e.ID, EventWaitlistExpired, slotPayload(e.Slot(), map[string]any{
			"user_id": e.UserID.String(),
			"reason":  reason,
		}))
	}
	return expired, nil
}

// List returns the non terminal entries of slot in FIFO order.
func (q *Queue) List(ctx context.Context, slot SlotKey) ([]WaitlistEntry, error) {
	entries, err := q.repo.ListActiveWaitlist(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	return entries, nil
}

// Position is the 1 based place of entry among the active entries of its
// slot. Inactive entries report 0.
func (q *Queue) Position(ctx context.Context, entry *WaitlistEntry) (int, error) {
	if !entry.Status.Active() {
		return 0, nil
	}
	entries, err := q.List(ctx, entry.Slot())
	if err != nil {
		return 0, err
	}
	for i := range entries {
		if entries[i].ID == entry.ID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Leave cancels the caller's own waiting or notified entry.
func (q *Queue) Leave(ctx context.Context, userID, entryID uuid.UUID) (*WaitlistEntry, error) {
	entry, err := q.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, ErrForbidden
	}
	if !entry.Status.Active() {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := q.repo.UpdateWaitlistStatus(ctx, entryID,
		[]WaitlistStatus{WaitlistWaiting, WaitlistNotified}, WaitlistCancelled, q.now())
	if err != nil {
		if errors.Is(err, ErrInvalidStatusTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel waitlist entry: %w", err)
	}

	q.events.record(ctx, updated.ID, EventWaitlistCancelled, slotPayload(updated.Slot(), map[string]any{
		"user_id": userID.String(),
	}))
	return updated, nil
}
