package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type SlotRequest struct {
	ClinicID string `json:"clinic_id"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

type BookRequest struct {
	SlotRequest
	PetName string `json:"pet_name"`
	PetType string `json:"pet_type"`
	Reason  string `json:"reason"`
}

type ConvertRequest struct {
	PetName string `json:"pet_name"`
	PetType string `json:"pet_type"`
	Reason  string `json:"reason"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	ClinicID  uuid.UUID `json:"clinic_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	PetName   string    `json:"pet_name,omitempty"`
	PetType   string    `json:"pet_type,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WaitlistEntryResponse struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	ClinicID   uuid.UUID  `json:"clinic_id"`
	Date       string     `json:"date"`
	Time       string     `json:"time"`
	Status     string     `json:"status"`
	Position   int        `json:"position,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type BookingResponse struct {
	Outcome       string                 `json:"outcome"`
	OfferWaitlist bool                   `json:"offer_waitlist"`
	Appointment   *AppointmentResponse   `json:"appointment,omitempty"`
	WaitlistEntry *WaitlistEntryResponse `json:"waitlist_entry,omitempty"`
}

type SlotInfoResponse struct {
	ClinicID           uuid.UUID              `json:"clinic_id"`
	Date               string                 `json:"date"`
	Time               string                 `json:"time"`
	Capacity           int                    `json:"capacity"`
	Occupied           int                    `json:"occupied"`
	Waitlisted         int                    `json:"waitlisted"`
	Available          bool                   `json:"available"`
	CallerIsWaitlisted bool                   `json:"caller_is_waitlisted"`
	CallerEntry        *WaitlistEntryResponse `json:"caller_entry,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Action  string `json:"action,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:        a.ID,
		UserID:    a.UserID,
		ClinicID:  a.ClinicID,
		Date:      a.Date,
		Time:      a.Time,
		PetName:   a.PetName,
		PetType:   a.PetType,
		Reason:    a.Reason,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toWaitlistResponse(e *booking.WaitlistEntry, position int) *WaitlistEntryResponse {
	if e == nil {
		return nil
	}
	return &WaitlistEntryResponse{
		ID:         e.ID,
		UserID:     e.UserID,
		ClinicID:   e.ClinicID,
		Date:       e.Date,
		Time:       e.Time,
		Status:     string(e.Status),
		Position:   position,
		CreatedAt:  e.CreatedAt,
		NotifiedAt: e.NotifiedAt,
		ExpiresAt:  e.ExpiresAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
