package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

var (
	ErrWaitlistWindowExpired = errors.New("waitlist claim window has expired, please re-join the waitlist")
	ErrForbidden             = errors.New("caller may not act on this record")
	ErrInvalidSlot           = errors.New("invalid slot")
	ErrSeatAvailable         = errors.New("slot has a free seat, book it directly")
)

// SlotInfo is what the booking screen shows for one slot.
type SlotInfo struct {
	Slot               SlotKey
	Capacity           int
	Occupied           int
	Waitlisted         int
	Available          bool
	CallerIsWaitlisted bool
	CallerEntry        *WaitlistEntry
	CallerPosition     int
}

// Service is the entry point for every operation that can change slot
// occupancy or waitlist state.
type Service struct {
	repo      Repository
	ledger    *Ledger
	admission *Admission
	queue     *Queue
	promoter  *Promoter
	lifecycle *Lifecycle
	log       zerolog.Logger
	now       Clock
}

type Option func(*serviceOptions)

type serviceOptions struct {
	now Clock
	log zerolog.Logger
}

// WithClock replaces time.Now.
func WithClock(now Clock) Option {
	return func(o *serviceOptions) { o.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *serviceOptions) { o.log = log }
}

func NewService(repo Repository, locker redisclient.Locker, sink NotificationSink, cfg config.Config, opts ...Option) *Service {
	o := serviceOptions{now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	ttl := cfg.NotificationTTL
	if ttl <= 0 {
		ttl = config.DefaultNotificationTTL
	}
	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 5 * time.Second
	}

	events := &eventRecorder{repo: repo, log: o.log, now: o.now}
	ledger := NewLedger(repo)
	queue := NewQueue(repo, events, o.now)
	promoter := NewPromoter(ledger, queue, locker, sink, ttl, notifyTimeout, o.log, o.now)

	return &Service{
		repo:      repo,
		ledger:    ledger,
		admission: NewAdmission(repo, ledger, locker, events, o.now),
		queue:     queue,
		promoter:  promoter,
		lifecycle: NewLifecycle(repo, locker, promoter, events, o.log, o.now),
		log:       o.log,
		now:       o.now,
	}
}

// GetSlotInfo reports occupancy for slot and whether caller is queued on it.
func (s *Service) GetSlotInfo(ctx context.Context, caller Caller, slot SlotKey) (*SlotInfo, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	occ, err := s.ledger.Occupancy(ctx, slot)
	if err != nil {
		return nil, err
	}

	info := &SlotInfo{
		Slot:       slot,
		Capacity:   MaxSeats,
		Occupied:   occ.Occupied,
		Waitlisted: occ.Waitlisted(),
		Available:  occ.Occupied < MaxSeats,
	}

	if caller.UserID == uuid.Nil {
		return info, nil
	}

	entry, err := s.repo.FindActiveWaitlistEntry(ctx, caller.UserID, slot)
	if err != nil && !errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, fmt.Errorf("check caller waitlist entry: %w", err)
	}
	if entry != nil {
		info.CallerIsWaitlisted = true
		info.CallerEntry = entry
		if info.CallerPosition, err = s.queue.Position(ctx, entry); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (s *Service) Book(ctx context.Context, caller Caller, slot SlotKey, details PetDetails) (AdmissionResult, error) {
	return s.admission.AttemptBook(ctx, caller.UserID, slot, details)
}

func (s *Service) JoinWaitlist(ctx context.Context, caller Caller, slot SlotKey) (*WaitlistEntry, error) {
	return s.admission.JoinWaitlist(ctx, caller.UserID, slot)
}

// LeaveWaitlist cancels the caller's entry. Leaving a notified entry hands
// its claim to the next user in line.
func (s *Service) LeaveWaitlist(ctx context.Context, caller Caller, entryID uuid.UUID) (*WaitlistEntry, error) {
	before, err := s.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	left, err := s.queue.Leave(ctx, caller.UserID, entryID)
	if err != nil {
		return nil, err
	}

	if before.Status == WaitlistNotified {
		if _, err := s.promoter.OnSeatReleased(ctx, left.Slot()); err != nil {
			s.log.Warn().Err(err).Str("slot", left.Slot().String()).Msg("promotion after leave failed")
		}
	}
	return left, nil
}

func (s *Service) CancelAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	return s.lifecycle.Cancel(ctx, caller, id)
}

func (s *Service) ConfirmAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	return s.lifecycle.Confirm(ctx, caller, id)
}

func (s *Service) RejectAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	return s.lifecycle.Reject(ctx, caller, id)
}

func (s *Service) CompleteAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	return s.lifecycle.Complete(ctx, caller, id)
}

func (s *Service) ConvertWaitlistEntry(ctx context.Context, caller Caller, entryID uuid.UUID, details PetDetails) (*Appointment, error) {
	return s.lifecycle.Convert(ctx, caller, entryID, details)
}

// GetAppointment returns an appointment visible to caller: its owner or an operator.
func (s *Service) GetAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	appt, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.UserID != caller.UserID && !caller.IsOperator() {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) ListAppointments(ctx context.Context, caller Caller, limit, offset int) ([]Appointment, error) {
	return s.lifecycle.ListByUser(ctx, caller.UserID, limit, offset)
}

// GetWaitlistEntry returns the entry and its current queue position.
func (s *Service) GetWaitlistEntry(ctx context.Context, caller Caller, id uuid.UUID) (*WaitlistEntry, int, error) {
	entry, err := s.repo.GetWaitlistEntryByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("load waitlist entry: %w", err)
	}
	if entry.UserID != caller.UserID && !caller.IsOperator() {
		return nil, 0, ErrForbidden
	}
	pos, err := s.queue.Position(ctx, entry)
	if err != nil {
		return nil, 0, err
	}
	return entry, pos, nil
}

// ListWaitlist shows the queue of a slot. Operators only.
func (s *Service) ListWaitlist(ctx context.Context, caller Caller, slot SlotKey) ([]WaitlistEntry, error) {
	if !caller.IsOperator() {
		return nil, ErrForbidden
	}
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	return s.queue.List(ctx, slot)
}

// SweepExpired is the maintenance pass run by the expiry worker.
func (s *Service) SweepExpired(ctx context.Context) (expired, promoted int, err error) {
	return s.promoter.SweepAndPromote(ctx)
}
