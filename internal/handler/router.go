package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/journey-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка воронок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Route("/operators", func(r chi.Router) {
			r.Post("/", h.CreateOperator)
			r.Get("/{operatorID}", h.GetOperator)
			r.Put("/{operatorID}", h.UpdateOperator)
			r.Post("/{operatorID}/rates", h.CalculateRates)
			r.Get("/{operatorID}/metrics", h.GetMetrics)
		})

		r.Put("/rules/{sourceID}/{targetID}", h.UpsertRecyclingRule)
		r.Get("/rules/{sourceID}/{targetID}", h.GetRecyclingRule)

		r.Post("/events", h.RecordEvent)
		r.Post("/journeys", h.StartJourney)
		r.Get("/journeys/{customerID}/{operatorID}", h.GetJourneyState)
		r.Post("/messages", h.RecordMessage)

		r.Route("/recycling", func(r chi.Router) {
			r.Get("/eligibility", h.Eligibility)
			r.Get("/candidates", h.Candidates)
			r.Post("/", h.Recycle)
		})

		r.Get("/customers/{customerID}/recycling-history", h.RecyclingHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
