package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultCandidatesLimit = 50
	maxCandidatesLimit     = 1000
)

// Eligibility проверяет, можно ли перенести клиента между операторами.
func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	elig, err := h.service.Evaluate(r.Context(), q.Get("customerId"), q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, r, "evaluate eligibility", err)
		return
	}

	writeJSON(w, http.StatusOK, newEligibilityResponse(elig))
}

// Candidates подбирает клиентов оператора from, которых можно перенести к to.
func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultCandidatesLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxCandidatesLimit {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	candidates, err := h.service.FindEligible(r.Context(), q.Get("from"), q.Get("to"), limit)
	if err != nil {
		h.writeError(w, r, "find eligible", err)
		return
	}

	resp := make([]candidateResponse, 0, len(candidates))
	for _, c := range candidates {
		resp = append(resp, candidateResponse{
			State:       newJourneyStateResponse(&c.State),
			Eligibility: newEligibilityResponse(c.Eligibility),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type recycleRequest struct {
	CustomerID     string `json:"customerId"`
	FromOperatorID string `json:"fromOperatorId"`
	ToOperatorID   string `json:"toOperatorId"`
}

// Recycle переносит клиента между операторами.
func (h *Handler) Recycle(w http.ResponseWriter, r *http.Request) {
	var req recycleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	res, err := h.service.Recycle(r.Context(), req.CustomerID, req.FromOperatorID, req.ToOperatorID)
	if err != nil {
		h.writeError(w, r, "recycle", err)
		return
	}

	writeJSON(w, http.StatusCreated, recycleResponse{
		History:     newHistoryResponse(res.History),
		Eligibility: newEligibilityResponse(res.Eligibility),
	})
}

// RecyclingHistory возвращает переносы клиента, начиная с последних.
func (h *Handler) RecyclingHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.ListRecyclingHistory(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.writeError(w, r, "list recycling history", err)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]historyResponse, 0, len(history))
	for _, rec := range history {
		resp = append(resp, newHistoryResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}
