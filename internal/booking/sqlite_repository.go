package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteRepository stores records in a single SQLite file. The handle must
// be limited to one open connection, which serialises every transaction and
// makes the capacity check and insert one atomic step.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const occupyingSQL = `status IN ('pending', 'confirmed', 'completed')`

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func sqliteScanAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	var created, updated int64

	err := row.Scan(
		&a.ID, &a.UserID, &a.ClinicID, &a.Date, &a.Time,
		&a.PetName, &a.PetType, &a.Reason, &a.Status,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, sqliteError(err)
	}

	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	return &a, nil
}

func sqliteScanWaitlistEntry(row rowScanner) (*WaitlistEntry, error) {
	var e WaitlistEntry
	var created, updated int64
	var notified, expires sql.NullInt64

	err := row.Scan(
		&e.ID, &e.UserID, &e.ClinicID, &e.Date, &e.Time, &e.Status,
		&created, &updated, &notified, &expires,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWaitlistEntryNotFound
		}
		return nil, sqliteError(err)
	}

	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	if notified.Valid {
		t := fromNanos(notified.Int64)
		e.NotifiedAt = &t
	}
	if expires.Valid {
		t := fromNanos(expires.Int64)
		e.ExpiresAt = &t
	}
	return &e, nil
}

func sqliteCollectWaitlist(rows *sql.Rows) ([]WaitlistEntry, error) {
	defer rows.Close()

	var result []WaitlistEntry
	for rows.Next() {
		e, err := sqliteScanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err)
	}
	return result, nil
}

// sqliteError maps driver failures onto the booking error taxonomy.
func sqliteError(err error) error {
	if err == nil {
		return nil
	}

	code := 0
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code = sqErr.Code()
	}
	msg := err.Error()

	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || strings.Contains(msg, "UNIQUE constraint failed"):
		switch {
		case strings.Contains(msg, "appointments.user_id"), strings.Contains(msg, constraintOneOccupyingPerUser):
			return ErrDuplicateBooking
		case strings.Contains(msg, "waitlist_entries.user_id"), strings.Contains(msg, constraintOneActivePerUser):
			return ErrDuplicateWaitlistEntry
		}
	case code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return err
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", sqliteError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", sqliteError(err))
	}
	return nil
}

func sqliteInsertWithinCapacity(ctx context.Context, q sqlQueryer, a *Appointment, maxSeats int) (*Appointment, error) {
	var occupied int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM appointments
		WHERE clinic_id = ? AND slot_date = ? AND slot_time = ? AND `+occupyingSQL,
		a.ClinicID, a.Date, a.Time).Scan(&occupied)
	if err != nil {
		return nil, fmt.Errorf("count occupied seats: %w", sqliteError(err))
	}
	if occupied >= maxSeats {
		return nil, ErrCapacityExceeded
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO appointments (`+appointmentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+appointmentCols,
		a.ID, a.UserID, a.ClinicID, a.Date, a.Time, a.PetName, a.PetType, a.Reason,
		string(a.Status), nanos(a.CreatedAt), nanos(a.UpdatedAt))
	return sqliteScanAppointment(row)
}

func sqliteEntryConflict(ctx context.Context, q sqlQueryer, id uuid.UUID) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM waitlist_entries WHERE id = ?`, id).Scan(&n); err != nil {
		return sqliteError(err)
	}
	if n == 0 {
		return ErrWaitlistEntryNotFound
	}
	return ErrInvalidStatusTransition
}

func (r *SQLiteRepository) Occupancy(ctx context.Context, slot SlotKey) (Occupancy, error) {
	var occ Occupancy
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM appointments
			 WHERE clinic_id = ?1 AND slot_date = ?2 AND slot_time = ?3 AND `+occupyingSQL+`),
			(SELECT count(*) FROM waitlist_entries
			 WHERE clinic_id = ?1 AND slot_date = ?2 AND slot_time = ?3 AND status = 'waiting'),
			(SELECT count(*) FROM waitlist_entries
			 WHERE clinic_id = ?1 AND slot_date = ?2 AND slot_time = ?3 AND status = 'notified')
	`, slot.ClinicID, slot.Date, slot.Time).Scan(&occ.Occupied, &occ.Waiting, &occ.Notified)
	if err != nil {
		return Occupancy{}, sqliteError(err)
	}
	return occ, nil
}

func (r *SQLiteRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id)
	return sqliteScanAppointment(row)
}

func (r *SQLiteRepository) FindOccupyingAppointment(ctx context.Context, userID uuid.UUID, slot SlotKey) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE user_id = ? AND clinic_id = ? AND slot_date = ? AND slot_time = ? AND `+occupyingSQL,
		userID, slot.ClinicID, slot.Date, slot.Time)
	return sqliteScanAppointment(row)
}

func (r *SQLiteRepository) ListAppointmentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := sqliteScanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err)
	}
	return result, nil
}

func (r *SQLiteRepository) InsertAppointmentWithinCapacity(ctx context.Context, a *Appointment, maxSeats int) (*Appointment, error) {
	var created *Appointment
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = sqliteInsertWithinCapacity(ctx, tx, a, maxSeats)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *SQLiteRepository) TransitionAppointment(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, at time.Time) (*Appointment, error) {
	var updated *Appointment
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var current AppointmentStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM appointments WHERE id = ?`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAppointmentNotFound
			}
			return sqliteError(err)
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

		updated, err = sqliteScanAppointment(tx.QueryRowContext(ctx, `
			UPDATE appointments
			SET status = ?, updated_at = ?
			WHERE id = ?
			RETURNING `+appointmentCols,
			string(to), nanos(at), id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *SQLiteRepository) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+waitlistCols+` FROM waitlist_entries WHERE id = ?`, id)
	return sqliteScanWaitlistEntry(row)
}

func (r *SQLiteRepository) FindActiveWaitlistEntry(ctx context.Context, userID uuid.UUID, slot SlotKey) (*WaitlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE user_id = ? AND clinic_id = ? AND slot_date = ? AND slot_time = ?
		  AND status IN ('waiting', 'notified')
	`, userID, slot.ClinicID, slot.Date, slot.Time)
	return sqliteScanWaitlistEntry(row)
}

func (r *SQLiteRepository) ListActiveWaitlist(ctx context.Context, slot SlotKey) ([]WaitlistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE clinic_id = ? AND slot_date = ? AND slot_time = ?
		  AND status IN ('waiting', 'notified')
		ORDER BY created_at, id
	`, slot.ClinicID, slot.Date, slot.Time)
	if err != nil {
		return nil, sqliteError(err)
	}
	return sqliteCollectWaitlist(rows)
}

func (r *SQLiteRepository) NextWaiting(ctx context.Context, slot SlotKey) (*WaitlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE clinic_id = ? AND slot_date = ? AND slot_time = ?
		  AND status = 'waiting'
		ORDER BY created_at, id
		LIMIT 1
	`, slot.ClinicID, slot.Date, slot.Time)
	return sqliteScanWaitlistEntry(row)
}

func (r *SQLiteRepository) InsertWaitlistEntry(ctx context.Context, e *WaitlistEntry) (*WaitlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO waitlist_entries (`+waitlistCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		RETURNING `+waitlistCols,
		e.ID, e.UserID, e.ClinicID, e.Date, e.Time, string(e.Status), nanos(e.CreatedAt), nanos(e.UpdatedAt))
	return sqliteScanWaitlistEntry(row)
}

func (r *SQLiteRepository) MarkWaitlistNotified(ctx context.Context, id uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitlistEntry, error) {
	var entry *WaitlistEntry
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = sqliteScanWaitlistEntry(tx.QueryRowContext(ctx, `
			UPDATE waitlist_entries
			SET status = 'notified', notified_at = ?1, expires_at = ?2, updated_at = ?1
			WHERE id = ?3 AND status = 'waiting'
			RETURNING `+waitlistCols,
			nanos(notifiedAt), nanos(expiresAt), id))
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			return sqliteEntryConflict(ctx, tx, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLiteRepository) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus, at time.Time) (*WaitlistEntry, error) {
	if len(from) == 0 {
		return nil, ErrInvalidStatusTransition
	}

	args := []any{string(to), nanos(at), id}
	marks := make([]string, len(from))
	for i, s := range from {
		marks[i] = "?"
		args = append(args, string(s))
	}

	var entry *WaitlistEntry
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = sqliteScanWaitlistEntry(tx.QueryRowContext(ctx, `
			UPDATE waitlist_entries
			SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)
			RETURNING `+waitlistCols, args...))
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			return sqliteEntryConflict(ctx, tx, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLiteRepository) ExpireNotified(ctx context.Context, slot *SlotKey, now time.Time) ([]WaitlistEntry, error) {
	query := `
		UPDATE waitlist_entries
		SET status = 'expired', updated_at = ?1
		WHERE status = 'notified' AND expires_at <= ?1`
	args := []any{nanos(now)}
	if slot != nil {
		query += ` AND clinic_id = ?2 AND slot_date = ?3 AND slot_time = ?4`
		args = append(args, slot.ClinicID, slot.Date, slot.Time)
	}

	rows, err := r.db.QueryContext(ctx, query+` RETURNING `+waitlistCols, args...)
	if err != nil {
		return nil, sqliteError(err)
	}
	entries, err := sqliteCollectWaitlist(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sortEntries(entries)
	return entries, nil
}

func (r *SQLiteRepository) ConvertWaitlistEntry(ctx context.Context, entryID uuid.UUID, now time.Time, a *Appointment, maxSeats int) (*Appointment, error) {
	var created *Appointment
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE waitlist_entries
			SET status = 'converted', updated_at = ?1
			WHERE id = ?2 AND status = 'notified' AND expires_at > ?1
		`, nanos(now), entryID)
		if err != nil {
			return sqliteError(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return sqliteError(err)
		} else if n == 0 {
			return sqliteEntryConflict(ctx, tx, entryID)
		}

		created, err = sqliteInsertWithinCapacity(ctx, tx, a, maxSeats)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *SQLiteRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	var subject any
	if ev.SubjectID != nil {
		subject = ev.SubjectID.String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_logs (event_type, subject_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventType, subject, ev.Payload, nanos(at))
	if err != nil {
		return fmt.Errorf("insert event log: %w", sqliteError(err))
	}
	return nil
}
