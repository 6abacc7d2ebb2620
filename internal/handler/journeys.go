package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
)

type eventRequest struct {
	Type       model.EventType `json:"type"`
	CustomerID string          `json:"customerId"`
	OperatorID string          `json:"operatorId"`
	Amount     decimal.Decimal `json:"amount"`
}

// RecordEvent применяет событие жизненного цикла клиента: лид, регистрацию или депозит.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	var (
		tr  *model.Transition
		err error
	)
	switch req.Type {
	case model.EventLead:
		tr, err = h.service.RecordLead(r.Context(), req.CustomerID, req.OperatorID)
	case model.EventRegistration:
		tr, err = h.service.RecordRegistration(r.Context(), req.CustomerID, req.OperatorID)
	case model.EventDeposit:
		tr, err = h.service.RecordDeposit(r.Context(), req.CustomerID, req.OperatorID, req.Amount)
	default:
		badRequest(w, "unknown event type")
		return
	}
	if err != nil {
		h.writeError(w, r, "record event", err)
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{
		State:  newJourneyStateResponse(&tr.State),
		Change: tr.Change,
	})
}

type startJourneyRequest struct {
	CustomerID string            `json:"customerId"`
	OperatorID string            `json:"operatorId"`
	Journey    model.JourneyType `json:"journey"`
}

// StartJourney явно создаёт состояние клиента у оператора.
func (h *Handler) StartJourney(w http.ResponseWriter, r *http.Request) {
	var req startJourneyRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	st, err := h.service.StartJourney(r.Context(), req.CustomerID, req.OperatorID, req.Journey)
	if err != nil {
		h.writeError(w, r, "start journey", err)
		return
	}

	writeJSON(w, http.StatusCreated, newJourneyStateResponse(st))
}

// GetJourneyState возвращает состояние клиента у оператора.
func (h *Handler) GetJourneyState(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.GetJourneyState(r.Context(), chi.URLParam(r, "customerID"), chi.URLParam(r, "operatorID"))
	if err != nil {
		h.writeError(w, r, "get journey state", err)
		return
	}

	writeJSON(w, http.StatusOK, newJourneyStateResponse(st))
}

type messageRequest struct {
	CustomerID string        `json:"customerId"`
	OperatorID string        `json:"operatorId"`
	Channel    model.Channel `json:"channel"`
}

// RecordMessage учитывает отправленное клиенту сообщение.
func (h *Handler) RecordMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	st, err := h.service.RecordMessageSent(r.Context(), req.CustomerID, req.OperatorID, req.Channel)
	if err != nil {
		h.writeError(w, r, "record message", err)
		return
	}

	writeJSON(w, http.StatusOK, newJourneyStateResponse(st))
}
