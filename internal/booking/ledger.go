package booking

import (
	"context"
	"fmt"
)

// Ledger answers how full a slot is. It only reads. Capacity on the write
// path is enforced by the repository's atomic inserts, never by a Ledger read.
type Ledger struct {
	repo Repository
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Occupancy returns the current seat and waitlist counts. An unseen slot
// reports zeros.
func (l *Ledger) Occupancy(ctx context.Context, slot SlotKey) (Occupancy, error) {
	occ, err := l.repo.Occupancy(ctx, slot)
	if err != nil {
		return Occupancy{}, fmt.Errorf("load occupancy: %w", err)
	}
	return occ, nil
}

// HasFreeSeat reports whether the slot is below MaxSeats right now.
func (l *Ledger) HasFreeSeat(ctx context.Context, slot SlotKey) (bool, error) {
	occ, err := l.Occupancy(ctx, slot)
	if err != nil {
		return false, err
	}
	return occ.Occupied < MaxSeats, nil
}
