package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires every exposed operation. metricsHandler serves the
// prometheus registry and may be nil in tests.
func NewRouter(h *HTTPHandler, metricsPath string, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if metricsHandler != nil {
		r.Method(http.MethodGet, metricsPath, metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/instruments", h.CreateInstrument)
		r.Get("/instruments/{instrumentID}/inventory", h.GetAggregate)

		r.Post("/purchases", h.RecordPurchase)

		r.Post("/reservations", h.Reserve)
		r.Delete("/reservations/{bookingID}", h.Release)
		r.Post("/reservations/{bookingID}/confirm", h.ConfirmSale)

		r.Post("/corporate-actions", h.CreateCorporateAction)
		r.Post("/corporate-actions/{actionID}/apply", h.ApplyCorporateAction)

		r.Post("/reconciliations", h.Recalculate)
	})

	return r
}
