package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	Auth    *Authenticator
	Limiter *LimiterStore
	Deps    []Dependency
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Deps, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandler(cfg.Service, cfg.Logger)
	limit := RateLimit(cfg.Limiter)

	r.With(cfg.Auth.Optional).Get("/slots", h.GetSlot)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Required)

		r.Get("/slots/waitlist", h.ListSlotWaitlist)

		r.Get("/appointments", h.ListAppointments)
		r.Get("/appointments/{id}", h.GetAppointment)
		r.Get("/waitlist/{id}", h.GetWaitlistEntry)

		r.Group(func(r chi.Router) {
			r.Use(limit)

			r.Post("/appointments", h.CreateAppointment)
			r.Post("/appointments/{id}/cancel", h.transition(cfg.Service.CancelAppointment))
			r.Post("/appointments/{id}/confirm", h.transition(cfg.Service.ConfirmAppointment))
			r.Post("/appointments/{id}/reject", h.transition(cfg.Service.RejectAppointment))
			r.Post("/appointments/{id}/complete", h.transition(cfg.Service.CompleteAppointment))

			r.Post("/waitlist", h.JoinWaitlist)
			r.Post("/waitlist/{id}/convert", h.ConvertWaitlistEntry)
			r.Post("/waitlist/{id}/leave", h.LeaveWaitlist)
		})
	})

	return r
}
