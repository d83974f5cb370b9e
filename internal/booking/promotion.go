package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

// SlotAvailable tells a waitlisted user that a seat opened and how long the
// claim window stays open.
type SlotAvailable struct {
	EntryID   uuid.UUID
	UserID    uuid.UUID
	Slot      SlotKey
	ExpiresAt time.Time
}

// NotificationSink receives slot-available events. Delivery is best effort.
type NotificationSink interface {
	NotifySlotAvailable(ctx context.Context, ev SlotAvailable) error
}

// maxPromoteAttempts bounds the retries of one pass when concurrent
// promoters race for the same queue head.
const maxPromoteAttempts = 5

// Promoter advances the waitlist whenever a seat is released.
type Promoter struct {
	ledger        *Ledger
	queue         *Queue
	locker        redisclient.Locker
	sink          NotificationSink
	ttl           time.Duration
	notifyTimeout time.Duration
	log           zerolog.Logger
	now           Clock
}

func NewPromoter(ledger *Ledger, queue *Queue, locker redisclient.Locker, sink NotificationSink, ttl, notifyTimeout time.Duration, log zerolog.Logger, now Clock) *Promoter {
	return &Promoter{
		ledger:        ledger,
		queue:         queue,
		locker:        locker,
		sink:          sink,
		ttl:           ttl,
		notifyTimeout: notifyTimeout,
		log:           log,
		now:           now,
	}
}

// OnSeatReleased runs a promotion pass on slot. Lapsed windows are expired
// first, then waiting entries are notified in FIFO order until every free
// seat has one open claim. Seats are not held for the notified users. It
// returns the entries notified by this pass.
func (p *Promoter) OnSeatReleased(ctx context.Context, slot SlotKey) ([]*WaitlistEntry, error) {
	var notified []*WaitlistEntry

	err := withSlotLock(ctx, p.locker, slot, func(lockCtx context.Context) error {
		if _, err := p.queue.SweepSlot(lockCtx, slot, p.now()); err != nil {
			return err
		}

		occ, err := p.ledger.Occupancy(lockCtx, slot)
		if err != nil {
			return err
		}
		unclaimed := MaxSeats - occ.Occupied - occ.Notified

		for attempt := 0; unclaimed > 0 && attempt < maxPromoteAttempts; {
			head, err := p.queue.PeekNext(lockCtx, slot)
			if errors.Is(err, ErrWaitlistEntryNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			updated, err := p.queue.MarkNotified(lockCtx, head, p.ttl)
			if errors.Is(err, ErrInvalidStatusTransition) || errors.Is(err, ErrWaitlistEntryNotFound) {
				// head changed under us, look again
				attempt++
				continue
			}
			if err != nil {
				return err
			}
			notified = append(notified, updated)
			unclaimed--
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote waitlist for %s: %w", slot, err)
	}

	for _, e := range notified {
		p.emit(ctx, e)
	}
	return notified, nil
}

// SweepAndPromote expires every lapsed window and runs a promotion pass for
// its slot, so the freed claim moves on to the next waiting user.
func (p *Promoter) SweepAndPromote(ctx context.Context) (expired, promoted int, err error) {
	lapsed, err := p.queue.SweepExpired(ctx, p.now())
	if err != nil {
		return 0, 0, err
	}

	seen := make(map[SlotKey]bool, len(lapsed))
	var errs []error
	for _, e := range lapsed {
		slot := e.Slot()
		if seen[slot] {
			continue
		}
		seen[slot] = true

		next, err := p.OnSeatReleased(ctx, slot)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		promoted += len(next)
	}
	return len(lapsed), promoted, errors.Join(errs...)
}

func (p *Promoter) emit(ctx context.Context, e *WaitlistEntry) {
	if p.sink == nil {
		return
	}

	ev := SlotAvailable{
		EntryID: e.ID,
		UserID:  e.UserID,
		Slot:    e.Slot(),
	}
	if e.ExpiresAt != nil {
		ev.ExpiresAt = *e.ExpiresAt
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
	defer cancel()

	if err := p.sink.NotifySlotAvailable(notifyCtx, ev); err != nil {
		p.log.Warn().Err(err).
			Str("entry_id", e.ID.String()).
			Str("user_id", e.UserID.String()).
			Str("slot", ev.Slot.String()).
			Msg("slot available notification failed")
	}
}
