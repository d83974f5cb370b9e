package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type Handler struct {
	svc *booking.Service
	log zerolog.Logger
}

func NewHandler(svc *booking.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func parseSlot(req SlotRequest) (booking.SlotKey, error) {
	clinicID, err := uuid.Parse(req.ClinicID)
	if err != nil {
		return booking.SlotKey{}, fmt.Errorf("%w: clinic_id must be a UUID", booking.ErrInvalidSlot)
	}
	slot := booking.SlotKey{ClinicID: clinicID, Date: req.Date, Time: req.Time}
	return slot, slot.Validate()
}

func slotFromQuery(r *http.Request) (booking.SlotKey, error) {
	q := r.URL.Query()
	return parseSlot(SlotRequest{ClinicID: q.Get("clinic_id"), Date: q.Get("date"), Time: q.Get("time")})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func caller(r *http.Request) booking.Caller {
	c, _ := CallerFromContext(r.Context())
	return c
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotFromQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	info, err := h.svc.GetSlotInfo(r.Context(), caller(r), slot)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotInfoResponse{
		ClinicID:           info.Slot.ClinicID,
		Date:               info.Slot.Date,
		Time:               info.Slot.Time,
		Capacity:           info.Capacity,
		Occupied:           info.Occupied,
		Waitlisted:         info.Waitlisted,
		Available:          info.Available,
		CallerIsWaitlisted: info.CallerIsWaitlisted,
		CallerEntry:        toWaitlistResponse(info.CallerEntry, info.CallerPosition),
	})
}

func (h *Handler) ListSlotWaitlist(w http.ResponseWriter, r *http.Request) {
	slot, err := slotFromQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	entries, err := h.svc.ListWaitlist(r.Context(), caller(r), slot)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]*WaitlistEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toWaitlistResponse(&entries[i], i+1))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := parseSlot(req.SlotRequest)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.svc.Book(r.Context(), caller(r), slot, booking.PetDetails{
		PetName: req.PetName,
		PetType: req.PetType,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := BookingResponse{
		Outcome:       string(result.Outcome),
		OfferWaitlist: result.OfferWaitlist(),
		Appointment:   toAppointmentResponse(result.Appointment),
		WaitlistEntry: toWaitlistResponse(result.WaitlistEntry, 0),
	}

	status := http.StatusConflict
	if result.Outcome == booking.OutcomeAdmit {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	appts, err := h.svc.ListAppointments(r.Context(), caller(r), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]*AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), caller(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// transition serves POST /appointments/{id}/{action} for one lifecycle move.
func (h *Handler) transition(run func(ctx context.Context, c booking.Caller, id uuid.UUID) (*booking.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := run(r.Context(), caller(r), id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *Handler) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := parseSlot(req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	c := caller(r)
	entry, err := h.svc.JoinWaitlist(r.Context(), c, slot)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	_, pos, err := h.svc.GetWaitlistEntry(r.Context(), c, entry.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("load waitlist position failed")
	}
	writeJSON(w, http.StatusCreated, toWaitlistResponse(entry, pos))
}

func (h *Handler) GetWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entry, pos, err := h.svc.GetWaitlistEntry(r.Context(), caller(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaitlistResponse(entry, pos))
}

func (h *Handler) ConvertWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ConvertRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	appt, err := h.svc.ConvertWaitlistEntry(r.Context(), caller(r), id, booking.PetDetails{
		PetName: req.PetName,
		PetType: req.PetType,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) LeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entry, err := h.svc.LeaveWaitlist(r.Context(), caller(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaitlistResponse(entry, 0))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrWaitlistEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, booking.ErrDuplicateBooking):
		writeError(w, http.StatusConflict, "duplicate_booking", err.Error())
	case errors.Is(err, booking.ErrDuplicateWaitlistEntry):
		writeError(w, http.StatusConflict, "duplicate_waitlist_entry", err.Error())
	case errors.Is(err, booking.ErrSeatAvailable):
		writeError(w, http.StatusConflict, "seat_available", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrWaitlistWindowExpired):
		writeJSON(w, http.StatusGone, ErrorResponse{
			Error:   "waitlist_window_expired",
			Details: err.Error(),
			Action:  "rejoin_waitlist",
		})
	case errors.Is(err, booking.ErrTransientStore):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", booking.ErrTransientStore.Error())
	default:
		h.log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
