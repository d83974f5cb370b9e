package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []SlotAvailable
	err    error
}

func (s *recordingSink) NotifySlotAvailable(_ context.Context, ev SlotAvailable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) sent() []SlotAvailable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SlotAvailable(nil), s.events...)
}

const testTTL = time.Hour

type testEnv struct {
	svc   *Service
	repo  *MemoryRepository
	clock *testClock
	sink  *recordingSink
	slot  SlotKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := NewMemoryRepository()
	clock := newTestClock()
	sink := &recordingSink{}
	cfg := config.Config{NotificationTTL: testTTL, NotifyTimeout: time.Second}
	return &testEnv{
		svc:   NewService(repo, redisclient.NewLocalSlotLocker(), sink, cfg, WithClock(clock.Now)),
		repo:  repo,
		clock: clock,
		sink:  sink,
		slot:  SlotKey{ClinicID: uuid.New(), Date: "2026-03-02", Time: "10:00"},
	}
}

func user() Caller {
	return Caller{UserID: uuid.New()}
}

func operator() Caller {
	return Caller{UserID: uuid.New(), Roles: []string{RoleOperator}}
}

// fill books every seat of slot and returns the holders' appointments.
func (e *testEnv) fill(t *testing.T) []*Appointment {
	t.Helper()
	var appts []*Appointment
	for i := 0; i < MaxSeats; i++ {
		res, err := e.svc.Book(context.Background(), user(), e.slot, PetDetails{PetName: "Rex"})
		if err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
		if res.Outcome != OutcomeAdmit {
			t.Fatalf("book %d: expected ADMIT, got %s", i, res.Outcome)
		}
		appts = append(appts, res.Appointment)
	}
	return appts
}

// join queues a new user, advancing the clock so FIFO order is unambiguous.
func (e *testEnv) join(t *testing.T) (Caller, *WaitlistEntry) {
	t.Helper()
	c := user()
	entry, err := e.svc.JoinWaitlist(context.Background(), c, e.slot)
	if err != nil {
		t.Fatalf("join waitlist: %v", err)
	}
	e.clock.Advance(time.Millisecond)
	return c, entry
}

func (e *testEnv) entry(t *testing.T, id uuid.UUID) *WaitlistEntry {
	t.Helper()
	got, err := e.repo.GetWaitlistEntryByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	return got
}

func (e *testEnv) occupied(t *testing.T) int {
	t.Helper()
	occ, err := e.repo.Occupancy(context.Background(), e.slot)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	return occ.Occupied
}

func TestBook_ConcurrentNeverExceedsCapacity(t *testing.T) {
	env := newTestEnv(t)
	const attempts = 50

	outcomes := make([]AdmissionOutcome, attempts)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := env.svc.Book(context.Background(), user(), env.slot, PetDetails{})
			if err != nil {
				t.Errorf("book: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	close(start)
	wg.Wait()

	admitted, full := 0, 0
	for _, o := range outcomes {
		switch o {
		case OutcomeAdmit:
			admitted++
		case OutcomeSlotFull:
			full++
		}
	}
	if admitted != MaxSeats {
		t.Errorf("expected %d admits, got %d", MaxSeats, admitted)
	}
	if full != attempts-MaxSeats {
		t.Errorf("expected %d slot full answers, got %d", attempts-MaxSeats, full)
	}
	if got := env.occupied(t); got != MaxSeats {
		t.Errorf("expected occupancy %d, got %d", MaxSeats, got)
	}
}

func TestBook_Outcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	booker := user()
	first, err := env.svc.Book(ctx, booker, env.slot, PetDetails{PetName: "Milo"})
	if err != nil || first.Outcome != OutcomeAdmit {
		t.Fatalf("first book: %v %v", first.Outcome, err)
	}
	if first.OfferWaitlist() {
		t.Error("ADMIT must not offer the waitlist")
	}

	again, err := env.svc.Book(ctx, booker, env.slot, PetDetails{})
	if err != nil {
		t.Fatalf("second book: %v", err)
	}
	if again.Outcome != OutcomeAlreadyBooked || again.Appointment.ID != first.Appointment.ID {
		t.Errorf("expected ALREADY_BOOKED with the first appointment, got %s", again.Outcome)
	}

	for i := 0; i < MaxSeats-1; i++ {
		if _, err := env.svc.Book(ctx, user(), env.slot, PetDetails{}); err != nil {
			t.Fatal(err)
		}
	}

	late := user()
	full, err := env.svc.Book(ctx, late, env.slot, PetDetails{})
	if err != nil {
		t.Fatal(err)
	}
	if full.Outcome != OutcomeSlotFull || !full.OfferWaitlist() {
		t.Errorf("expected SLOT_FULL with waitlist offer, got %s", full.Outcome)
	}

	entry, err := env.svc.JoinWaitlist(ctx, late, env.slot)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := env.svc.Book(ctx, late, env.slot, PetDetails{})
	if err != nil {
		t.Fatal(err)
	}
	if queued.Outcome != OutcomeAlreadyWaitlisted || queued.WaitlistEntry.ID != entry.ID {
		t.Errorf("expected ALREADY_WAITLISTED, got %s", queued.Outcome)
	}
}

func TestBook_InvalidSlot(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		slot SlotKey
	}{
		{"no clinic", SlotKey{Date: "2026-03-02", Time: "10:00"}},
		{"bad date", SlotKey{ClinicID: uuid.New(), Date: "02/03/2026", Time: "10:00"}},
		{"no time", SlotKey{ClinicID: uuid.New(), Date: "2026-03-02", Time: " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Book(context.Background(), user(), tt.slot, PetDetails{})
			if !errors.Is(err, ErrInvalidSlot) {
				t.Errorf("expected ErrInvalidSlot, got %v", err)
			}
		})
	}
}

func TestJoinWaitlist_Rules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.JoinWaitlist(ctx, user(), env.slot); !errors.Is(err, ErrSeatAvailable) {
		t.Fatalf("expected ErrSeatAvailable on a free slot, got %v", err)
	}

	appts := env.fill(t)
	holder := Caller{UserID: appts[0].UserID}
	if _, err := env.svc.JoinWaitlist(ctx, holder, env.slot); !errors.Is(err, ErrDuplicateBooking) {
		t.Errorf("expected ErrDuplicateBooking for a seat holder, got %v", err)
	}

	c, entry := env.join(t)
	if entry.Status != WaitlistWaiting {
		t.Errorf("expected waiting entry, got %s", entry.Status)
	}
	if _, err := env.svc.JoinWaitlist(ctx, c, env.slot); !errors.Is(err, ErrDuplicateWaitlistEntry) {
		t.Errorf("expected ErrDuplicateWaitlistEntry, got %v", err)
	}
}

func TestJoinWaitlist_RaceWithRelease(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		appts := env.fill(t)
		joiner := user()

		var wg sync.WaitGroup
		var entry *WaitlistEntry
		var joinErr, cancelErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			entry, joinErr = env.svc.JoinWaitlist(ctx, joiner, env.slot)
		}()
		close(start)
		wg.Wait()

		if cancelErr != nil {
			t.Fatalf("cancel: %v", cancelErr)
		}
		switch {
		case errors.Is(joinErr, ErrSeatAvailable):
		case joinErr != nil:
			t.Fatalf("join: %v", joinErr)
		default:
			// a queued joiner must not sit waiting next to the free seat
			if got := env.entry(t, entry.ID); got.Status != WaitlistNotified {
				t.Fatalf("iteration %d: expected joiner notified, got %s", i, got.Status)
			}
		}
	}
}

func TestPromotion_FIFO(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)

	_, a := env.join(t)
	_, b := env.join(t)
	_, c := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}

	if got := env.entry(t, a.ID); got.Status != WaitlistNotified {
		t.Fatalf("expected A notified, got %s", got.Status)
	}
	for _, e := range []*WaitlistEntry{b, c} {
		if got := env.entry(t, e.ID); got.Status != WaitlistWaiting {
			t.Errorf("expected %s still waiting, got %s", e.ID, got.Status)
		}
	}

	sent := env.sink.sent()
	if len(sent) != 1 || sent[0].EntryID != a.ID {
		t.Fatalf("expected one notification for A, got %+v", sent)
	}
	if want := env.clock.Now().Add(testTTL); !sent[0].ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, sent[0].ExpiresAt)
	}

	// a second release while A's window is open goes to B
	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[1].UserID}, appts[1].ID); err != nil {
		t.Fatal(err)
	}
	if got := env.entry(t, a.ID); got.Status != WaitlistNotified {
		t.Errorf("expected A still notified, got %s", got.Status)
	}
	if got := env.entry(t, b.ID); got.Status != WaitlistNotified {
		t.Errorf("expected B notified, got %s", got.Status)
	}
	if got := env.entry(t, c.ID); got.Status != WaitlistWaiting {
		t.Errorf("expected C waiting, got %s", got.Status)
	}
	sent = env.sink.sent()
	if len(sent) != 2 || sent[1].EntryID != b.ID {
		t.Fatalf("expected a second notification for B, got %+v", sent)
	}
}

func TestPromotion_LapsedClaimMovesOnWithoutWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)

	_, a := env.join(t)
	_, b := env.join(t)
	c, entryC := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(testTTL)

	// A's window is expired by this release's pass, not by the worker
	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[1].UserID}, appts[1].ID); err != nil {
		t.Fatal(err)
	}

	if got := env.entry(t, a.ID); got.Status != WaitlistExpired {
		t.Errorf("expected A expired, got %s", got.Status)
	}
	for _, e := range []*WaitlistEntry{b, entryC} {
		if got := env.entry(t, e.ID); got.Status != WaitlistNotified {
			t.Errorf("expected %s notified, got %s", e.ID, got.Status)
		}
	}
	if got := env.occupied(t); got != 1 {
		t.Errorf("expected one occupied seat, got %d", got)
	}

	expired, promoted, err := env.svc.SweepExpired(ctx)
	if err != nil || expired != 0 || promoted != 0 {
		t.Errorf("expected nothing left for the worker, got %d %d %v", expired, promoted, err)
	}

	if _, err := env.svc.ConvertWaitlistEntry(ctx, c, entryC.ID, PetDetails{}); err != nil {
		t.Errorf("expected C to claim a free seat, got %v", err)
	}
}

func TestPromotion_NeverOverClaims(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)

	_, a := env.join(t)
	_, b := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}
	// repeated passes on the same free seat keep a single open claim
	for i := 0; i < 3; i++ {
		if _, err := env.svc.promoter.OnSeatReleased(ctx, env.slot); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.entry(t, a.ID); got.Status != WaitlistNotified {
		t.Errorf("expected A notified, got %s", got.Status)
	}
	if got := env.entry(t, b.ID); got.Status != WaitlistWaiting {
		t.Errorf("expected B waiting, got %s", got.Status)
	}
	if n := len(env.sink.sent()); n != 1 {
		t.Errorf("expected one notification, got %d", n)
	}
}

func TestConvert_WindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"just inside", testTTL - time.Millisecond, nil},
		{"at expiry", testTTL, ErrWaitlistWindowExpired},
		{"just after", testTTL + time.Millisecond, ErrWaitlistWindowExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			appts := env.fill(t)
			waiter, entry := env.join(t)

			if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
				t.Fatal(err)
			}
			env.clock.Advance(tt.advance)

			appt, err := env.svc.ConvertWaitlistEntry(ctx, waiter, entry.ID, PetDetails{PetName: "Luna"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil {
				if got := env.entry(t, entry.ID); got.Status != WaitlistExpired {
					t.Errorf("expected entry expired, got %s", got.Status)
				}
				return
			}
			if appt.Status != StatusPending || appt.PetName != "Luna" {
				t.Errorf("unexpected appointment %+v", appt)
			}
			if got := env.entry(t, entry.ID); got.Status != WaitlistConverted {
				t.Errorf("expected entry converted, got %s", got.Status)
			}
			if got := env.occupied(t); got != MaxSeats {
				t.Errorf("expected occupancy %d, got %d", MaxSeats, got)
			}
		})
	}
}

func TestConvert_SeatTakenByDirectBooking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)
	waiter, entry := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}

	// the freed seat is not held, a direct booking may take it first
	res, err := env.svc.Book(ctx, user(), env.slot, PetDetails{})
	if err != nil || res.Outcome != OutcomeAdmit {
		t.Fatalf("expected direct booking to win the seat, got %v %v", res.Outcome, err)
	}

	if _, err := env.svc.ConvertWaitlistEntry(ctx, waiter, entry.ID, PetDetails{}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := env.entry(t, entry.ID); got.Status != WaitlistNotified {
		t.Errorf("expected entry to stay notified, got %s", got.Status)
	}
	if got := env.occupied(t); got != MaxSeats {
		t.Errorf("expected occupancy %d, got %d", MaxSeats, got)
	}
}

func TestConvert_RaceWithDirectBooking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)
	waiter, entry := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var convertErr error
	var bookRes AdmissionResult
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, convertErr = env.svc.ConvertWaitlistEntry(ctx, waiter, entry.ID, PetDetails{})
	}()
	go func() {
		defer wg.Done()
		<-start
		bookRes, _ = env.svc.Book(ctx, user(), env.slot, PetDetails{})
	}()
	close(start)
	wg.Wait()

	converted := convertErr == nil
	booked := bookRes.Outcome == OutcomeAdmit
	if converted == booked {
		t.Fatalf("exactly one side must win: converted=%v booked=%v (%v)", converted, booked, convertErr)
	}
	if got := env.occupied(t); got != MaxSeats {
		t.Errorf("expected occupancy %d, got %d", MaxSeats, got)
	}
}

func TestConvert_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fill(t)
	waiter, entry := env.join(t)

	if _, err := env.svc.ConvertWaitlistEntry(ctx, user(), entry.ID, PetDetails{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for another user, got %v", err)
	}
	if _, err := env.svc.ConvertWaitlistEntry(ctx, waiter, entry.ID, PetDetails{}); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected ErrInvalidStatusTransition for a waiting entry, got %v", err)
	}
	if _, err := env.svc.ConvertWaitlistEntry(ctx, waiter, uuid.New(), PetDetails{}); !errors.Is(err, ErrWaitlistEntryNotFound) {
		t.Errorf("expected ErrWaitlistEntryNotFound, got %v", err)
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := operator()

	res, err := env.svc.Book(ctx, user(), env.slot, PetDetails{})
	if err != nil {
		t.Fatal(err)
	}
	owner := Caller{UserID: res.Appointment.UserID}
	id := res.Appointment.ID

	if _, err := env.svc.ConfirmAppointment(ctx, owner, id); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected owner confirm to be forbidden, got %v", err)
	}
	if _, err := env.svc.CompleteAppointment(ctx, op, id); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected pending -> completed to be invalid, got %v", err)
	}

	confirmed, err := env.svc.ConfirmAppointment(ctx, op, id)
	if err != nil || confirmed.Status != StatusConfirmed {
		t.Fatalf("confirm: %v %v", confirmed, err)
	}
	if _, err := env.svc.RejectAppointment(ctx, op, id); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected confirmed -> rejected to be invalid, got %v", err)
	}

	completed, err := env.svc.CompleteAppointment(ctx, op, id)
	if err != nil || completed.Status != StatusCompleted {
		t.Fatalf("complete: %v %v", completed, err)
	}
	if got := env.occupied(t); got != 1 {
		t.Errorf("completed appointment must still occupy its seat, got %d", got)
	}
	if _, err := env.svc.CancelAppointment(ctx, owner, id); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected completed -> cancelled to be invalid, got %v", err)
	}
}

func TestLifecycle_CancelAndReject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)

	if _, err := env.svc.CancelAppointment(ctx, user(), appts[0].ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected foreign cancel to be forbidden, got %v", err)
	}
	if _, err := env.svc.CancelAppointment(ctx, user(), uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}

	if _, err := env.svc.RejectAppointment(ctx, operator(), appts[0].ID); err != nil {
		t.Fatal(err)
	}
	owner := Caller{UserID: appts[1].UserID}
	cancelled, err := env.svc.CancelAppointment(ctx, owner, appts[1].ID)
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("cancel: %v %v", cancelled, err)
	}
	if _, err := env.svc.CancelAppointment(ctx, owner, appts[1].ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected double cancel to be invalid, got %v", err)
	}
	if got := env.occupied(t); got != 1 {
		t.Errorf("expected one occupied seat, got %d", got)
	}

	// a released seat can be booked again, even by the user who cancelled
	res, err := env.svc.Book(ctx, owner, env.slot, PetDetails{})
	if err != nil || res.Outcome != OutcomeAdmit {
		t.Errorf("expected rebook after cancel, got %v %v", res.Outcome, err)
	}
}

func TestLeaveWaitlist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)

	a, entryA := env.join(t)
	_, entryB := env.join(t)

	if _, err := env.svc.LeaveWaitlist(ctx, user(), entryA.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected foreign leave to be forbidden, got %v", err)
	}

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := env.entry(t, entryA.ID); got.Status != WaitlistNotified {
		t.Fatalf("expected A notified, got %s", got.Status)
	}

	// leaving while notified hands the claim to B
	left, err := env.svc.LeaveWaitlist(ctx, a, entryA.ID)
	if err != nil || left.Status != WaitlistCancelled {
		t.Fatalf("leave: %v %v", left, err)
	}
	if got := env.entry(t, entryB.ID); got.Status != WaitlistNotified {
		t.Errorf("expected B notified after A left, got %s", got.Status)
	}
	if _, err := env.svc.LeaveWaitlist(ctx, a, entryA.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected second leave to be invalid, got %v", err)
	}
	if n := len(env.sink.sent()); n != 2 {
		t.Errorf("expected two notifications, got %d", n)
	}
}

func TestSweepExpired_PromotesNext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appts := env.fill(t)
	_, a := env.join(t)
	_, b := env.join(t)

	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID); err != nil {
		t.Fatal(err)
	}

	expired, promoted, err := env.svc.SweepExpired(ctx)
	if err != nil || expired != 0 || promoted != 0 {
		t.Fatalf("sweep before expiry: %d %d %v", expired, promoted, err)
	}

	env.clock.Advance(testTTL)
	expired, promoted, err = env.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 || promoted != 1 {
		t.Errorf("expected 1 expired and 1 promoted, got %d %d", expired, promoted)
	}
	if got := env.entry(t, a.ID); got.Status != WaitlistExpired {
		t.Errorf("expected A expired, got %s", got.Status)
	}
	if got := env.entry(t, b.ID); got.Status != WaitlistNotified {
		t.Errorf("expected B notified, got %s", got.Status)
	}
}

func TestSinkFailureDoesNotUndoPromotion(t *testing.T) {
	env := newTestEnv(t)
	env.sink.err = errors.New("broker down")
	ctx := context.Background()
	appts := env.fill(t)
	_, entry := env.join(t)

	cancelled, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[0].UserID}, appts[0].ID)
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("cancel must succeed despite sink failure: %v", err)
	}
	if got := env.entry(t, entry.ID); got.Status != WaitlistNotified {
		t.Errorf("expected entry notified, got %s", got.Status)
	}
}

func TestGetSlotInfoAndPositions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fill(t)
	env.join(t)
	b, entryB := env.join(t)

	info, err := env.svc.GetSlotInfo(ctx, b, env.slot)
	if err != nil {
		t.Fatal(err)
	}
	if info.Occupied != MaxSeats || info.Available || info.Waitlisted != 2 {
		t.Errorf("unexpected slot info %+v", info)
	}
	if !info.CallerIsWaitlisted || info.CallerEntry.ID != entryB.ID || info.CallerPosition != 2 {
		t.Errorf("expected caller at position 2, got %+v", info)
	}

	anon, err := env.svc.GetSlotInfo(ctx, Caller{}, env.slot)
	if err != nil || anon.CallerIsWaitlisted {
		t.Errorf("anonymous caller must not be waitlisted: %+v %v", anon, err)
	}

	if _, _, err := env.svc.GetWaitlistEntry(ctx, user(), entryB.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	_, pos, err := env.svc.GetWaitlistEntry(ctx, operator(), entryB.ID)
	if err != nil || pos != 2 {
		t.Errorf("expected operator to see position 2, got %d %v", pos, err)
	}

	if _, err := env.svc.ListWaitlist(ctx, b, env.slot); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected non operator list to be forbidden, got %v", err)
	}
	entries, err := env.svc.ListWaitlist(ctx, operator(), env.slot)
	if err != nil || len(entries) != 2 || entries[1].ID != entryB.ID {
		t.Errorf("unexpected waitlist %+v %v", entries, err)
	}
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	appts := env.fill(t)
	late := user()
	res, err := env.svc.Book(ctx, late, env.slot, PetDetails{})
	if err != nil || res.Outcome != OutcomeSlotFull {
		t.Fatalf("expected slot full, got %v %v", res.Outcome, err)
	}
	entry, err := env.svc.JoinWaitlist(ctx, late, env.slot)
	if err != nil {
		t.Fatal(err)
	}
	if _, pos, err := env.svc.GetWaitlistEntry(ctx, late, entry.ID); err != nil || pos != 1 {
		t.Fatalf("expected position 1, got %d %v", pos, err)
	}

	released := env.clock.Now()
	if _, err := env.svc.CancelAppointment(ctx, Caller{UserID: appts[2].UserID}, appts[2].ID); err != nil {
		t.Fatal(err)
	}

	notified, _, err := env.svc.GetWaitlistEntry(ctx, late, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if notified.Status != WaitlistNotified || notified.ExpiresAt == nil || !notified.ExpiresAt.Equal(released.Add(testTTL)) {
		t.Fatalf("expected notified entry expiring at %s, got %+v", released.Add(testTTL), notified)
	}
	var forLate []SlotAvailable
	for _, ev := range env.sink.sent() {
		if ev.UserID == late.UserID {
			forLate = append(forLate, ev)
		}
	}
	if len(forLate) != 1 || forLate[0].EntryID != entry.ID || forLate[0].Slot != env.slot {
		t.Fatalf("expected exactly one slot available event for the waiting user, got %+v", forLate)
	}

	env.clock.Advance(testTTL / 2)

	appt, err := env.svc.ConvertWaitlistEntry(ctx, late, entry.ID, PetDetails{PetName: "Bella", PetType: "cat"})
	if err != nil {
		t.Fatal(err)
	}
	if appt.UserID != late.UserID || appt.Slot() != env.slot {
		t.Errorf("unexpected appointment %+v", appt)
	}

	again, err := env.svc.Book(ctx, late, env.slot, PetDetails{})
	if err != nil || again.Outcome != OutcomeAlreadyBooked {
		t.Errorf("expected ALREADY_BOOKED after convert, got %v %v", again.Outcome, err)
	}

	var types []string
	for _, ev := range env.repo.Events() {
		types = append(types, ev.EventType)
	}
	for _, want := range []string{EventAppointmentCreated, EventWaitlistJoined, EventAppointmentCancelled, EventWaitlistNotified, EventWaitlistConverted} {
		found := false
		for _, got := range types {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing %s event in %v", want, types)
		}
	}
}
