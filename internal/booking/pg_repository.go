package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"

	constraintOneOccupyingPerUser = "appointments_one_occupying_per_user"
	constraintOneActivePerUser    = "waitlist_one_active_per_user"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentCols = `id, user_id, clinic_id, slot_date, slot_time, pet_name, pet_type, reason, status, created_at, updated_at`

const waitlistCols = `id, user_id, clinic_id, slot_date, slot_time, status, created_at, updated_at, notified_at, expires_at`

// Helpers

func slotDate(slot SlotKey) (time.Time, error) {
	d, err := time.Parse(DateLayout, slot.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	return d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.ClinicID,
		&date,
		&a.Time,
		&a.PetName,
		&a.PetType,
		&a.Reason,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, pgError(err)
	}

	a.Date = date.Format(DateLayout)
	return &a, nil
}

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	var date time.Time

	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.ClinicID,
		&date,
		&e.Time,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.NotifiedAt,
		&e.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistEntryNotFound
		}
		return nil, pgError(err)
	}

	e.Date = date.Format(DateLayout)
	return &e, nil
}

func collectWaitlist(rows pgx.Rows) ([]WaitlistEntry, error) {
	defer rows.Close()

	var result []WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err)
	}
	return result, nil
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// pgError maps driver failures onto the booking error taxonomy. Conflicts
// and connectivity problems become ErrTransientStore so callers retry.
func pgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case constraintOneOccupyingPerUser:
				return ErrDuplicateBooking
			case constraintOneActivePerUser:
				return ErrDuplicateWaitlistEntry
			}
		case "40001", "40P01", "55P03", "57P01", "53300":
			return fmt.Errorf("%w: %w", ErrTransientStore, err)
		}
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return err
}

func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, r.pool, fn)
	if err == nil {
		return nil
	}
	// domain sentinels returned by fn pass through untouched
	for _, sentinel := range []error{
		ErrCapacityExceeded, ErrDuplicateBooking, ErrDuplicateWaitlistEntry,
		ErrInvalidStatusTransition, ErrAppointmentNotFound, ErrWaitlistEntryNotFound,
		ErrTransientStore,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return pgError(err)
}

// insertWithinCapacity bumps the slot counter only while it is below
// maxSeats. The UPDATE takes the counter row lock, so concurrent admits for
// the same slot queue behind each other and re-evaluate the ceiling.
func insertWithinCapacity(ctx context.Context, q queryable, a *Appointment, maxSeats int) (*Appointment, error) {
	date, err := slotDate(a.Slot())
	if err != nil {
		return nil, err
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO slot_occupancy (clinic_id, slot_date, slot_time, occupied)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT DO NOTHING
	`, a.ClinicID, date, a.Time); err != nil {
		return nil, fmt.Errorf("ensure slot counter: %w", pgError(err))
	}

	var occupied int
	err = q.QueryRow(ctx, `
		UPDATE slot_occupancy
		SET occupied = occupied + 1
		WHERE clinic_id = $1
		  AND slot_date = $2
		  AND slot_time = $3
		  AND occupied < $4
		RETURNING occupied
	`, a.ClinicID, date, a.Time, maxSeats).Scan(&occupied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCapacityExceeded
		}
		return nil, fmt.Errorf("claim seat: %w", pgError(err))
	}

	row := q.QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+appointmentCols,
		a.ID, a.UserID, a.ClinicID, date, a.Time, a.PetName, a.PetType, a.Reason,
		string(a.Status), a.CreatedAt, a.UpdatedAt)
	return scanAppointment(row)
}

// Interface methods

func (r *PgRepository) Occupancy(ctx context.Context, slot SlotKey) (Occupancy, error) {
	date, err := slotDate(slot)
	if err != nil {
		return Occupancy{}, err
	}

	var occ Occupancy
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM appointments
			 WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3 AND status = ANY($4)),
			(SELECT count(*) FROM waitlist_entries
			 WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3 AND status = 'waiting'),
			(SELECT count(*) FROM waitlist_entries
			 WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3 AND status = 'notified')
	`, slot.ClinicID, date, slot.Time, statusStrings(OccupyingStatuses)).Scan(&occ.Occupied, &occ.Waiting, &occ.Notified)
	if err != nil {
		return Occupancy{}, pgError(err)
	}
	return occ, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindOccupyingAppointment(ctx context.Context, userID uuid.UUID, slot SlotKey) (*Appointment, error) {
	date, err := slotDate(slot)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE user_id = $1 AND clinic_id = $2 AND slot_date = $3 AND slot_time = $4
		  AND status = ANY($5)
	`, userID, slot.ClinicID, date, slot.Time, statusStrings(OccupyingStatuses))
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err)
	}
	return result, nil
}

func (r *PgRepository) InsertAppointmentWithinCapacity(ctx context.Context, a *Appointment, maxSeats int) (*Appointment, error) {
	var created *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = insertWithinCapacity(ctx, tx, a, maxSeats)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) TransitionAppointment(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, at time.Time) (*Appointment, error) {
	var updated *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var current AppointmentStatus
		err := tx.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAppointmentNotFound
			}
			return err
		}

		valid := false
		for _, s := range from {
			if s == current {
				valid = true
				break
			}
		}
		if !valid {
			return ErrInvalidStatusTransition
		}

		updated, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    updated_at = $3
			WHERE id = $1
			RETURNING `+appointmentCols,
			id, string(to), at))
		if err != nil {
			return err
		}

		if current.Occupying() && !to.Occupying() {
			date, err := slotDate(updated.Slot())
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				UPDATE slot_occupancy
				SET occupied = occupied - 1
				WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3
				  AND occupied > 0
			`, updated.ClinicID, date, updated.Time)
			if err != nil {
				return fmt.Errorf("release seat: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) FindActiveWaitlistEntry(ctx context.Context, userID uuid.UUID, slot SlotKey) (*WaitlistEntry, error) {
	date, err := slotDate(slot)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE user_id = $1 AND clinic_id = $2 AND slot_date = $3 AND slot_time = $4
		  AND status IN ('waiting', 'notified')
	`, userID, slot.ClinicID, date, slot.Time)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) ListActiveWaitlist(ctx context.Context, slot SlotKey) ([]WaitlistEntry, error) {
	date, err := slotDate(slot)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3
		  AND status IN ('waiting', 'notified')
		ORDER BY created_at, id
	`, slot.ClinicID, date, slot.Time)
	if err != nil {
		return nil, pgError(err)
	}
	return collectWaitlist(rows)
}

func (r *PgRepository) NextWaiting(ctx context.Context, slot SlotKey) (*WaitlistEntry, error) {
	date, err := slotDate(slot)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE clinic_id = $1 AND slot_date = $2 AND slot_time = $3
		  AND status = 'waiting'
		ORDER BY created_at, id
		LIMIT 1
	`, slot.ClinicID, date, slot.Time)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) InsertWaitlistEntry(ctx context.Context, e *WaitlistEntry) (*WaitlistEntry, error) {
	date, err := slotDate(e.Slot())
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO waitlist_entries (`+waitlistCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL)
		RETURNING `+waitlistCols,
		e.ID, e.UserID, e.ClinicID, date, e.Time, string(e.Status), e.CreatedAt, e.UpdatedAt)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) MarkWaitlistNotified(ctx context.Context, id uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = 'notified',
		    notified_at = $2,
		    expires_at = $3,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'waiting'
		RETURNING `+waitlistCols,
		id, notifiedAt, expiresAt)

	e, err := scanWaitlistEntry(row)
	if errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, r.missingOrConflict(ctx, id)
	}
	return e, err
}

func (r *PgRepository) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus, at time.Time) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = ANY($4)
		RETURNING `+waitlistCols,
		id, string(to), at, statusStrings(from))

	e, err := scanWaitlistEntry(row)
	if errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, r.missingOrConflict(ctx, id)
	}
	return e, err
}

// missingOrConflict tells a missing row apart from a failed status precondition.
func (r *PgRepository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM waitlist_entries WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return pgError(err)
	}
	if !exists {
		return ErrWaitlistEntryNotFound
	}
	return ErrInvalidStatusTransition
}

func (r *PgRepository) ExpireNotified(ctx context.Context, slot *SlotKey, now time.Time) ([]WaitlistEntry, error) {
	if slot == nil {
		rows, err := r.pool.Query(ctx, `
			UPDATE waitlist_entries
			SET status = 'expired',
			    updated_at = $1
			WHERE status = 'notified'
			  AND expires_at <= $1
			RETURNING `+waitlistCols, now)
		if err != nil {
			return nil, pgError(err)
		}
		return collectWaitlist(rows)
	}

	date, err := slotDate(*slot)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE waitlist_entries
		SET status = 'expired',
		    updated_at = $1
		WHERE status = 'notified'
		  AND expires_at <= $1
		  AND clinic_id = $2 AND slot_date = $3 AND slot_time = $4
		RETURNING `+waitlistCols, now, slot.ClinicID, date, slot.Time)
	if err != nil {
		return nil, pgError(err)
	}
	return collectWaitlist(rows)
}

func (r *PgRepository) ConvertWaitlistEntry(ctx context.Context, entryID uuid.UUID, now time.Time, a *Appointment, maxSeats int) (*Appointment, error) {
	var created *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE waitlist_entries
			SET status = 'converted',
			    updated_at = $2
			WHERE id = $1
			  AND status = 'notified'
			  AND expires_at > $2
		`, entryID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.missingOrConflict(ctx, entryID)
		}

		created, err = insertWithinCapacity(ctx, tx, a, maxSeats)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.SubjectID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", pgError(err))
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
