package booking

import (
	"errors"
	"testing"
)

func TestSQLiteError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{
			name: "occupying appointment",
			msg:  "constraint failed: UNIQUE constraint failed: appointments.user_id, appointments.clinic_id, appointments.slot_date, appointments.slot_time (2067)",
			want: ErrDuplicateBooking,
		},
		{
			name: "active waitlist entry",
			msg:  "constraint failed: UNIQUE constraint failed: waitlist_entries.user_id, waitlist_entries.clinic_id, waitlist_entries.slot_date, waitlist_entries.slot_time (2067)",
			want: ErrDuplicateWaitlistEntry,
		},
		{
			name: "appointment primary key",
			msg:  "constraint failed: UNIQUE constraint failed: appointments.id (1555)",
		},
		{
			name: "waitlist primary key",
			msg:  "constraint failed: UNIQUE constraint failed: waitlist_entries.id (1555)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sqliteError(errors.New(tt.msg))
			if tt.want == nil {
				if errors.Is(got, ErrDuplicateBooking) || errors.Is(got, ErrDuplicateWaitlistEntry) {
					t.Errorf("expected no duplicate mapping, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
