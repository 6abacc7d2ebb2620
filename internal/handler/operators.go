package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/journey-engine/internal/model"
)

// CreateOperator регистрирует нового оператора.
func (h *Handler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	op, err := h.service.CreateOperator(r.Context(), req.toModel())
	if err != nil {
		h.writeError(w, r, "create operator", err)
		return
	}

	writeJSON(w, http.StatusCreated, newOperatorResponse(op))
}

// GetOperator возвращает оператора по идентификатору.
func (h *Handler) GetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.GetOperator(r.Context(), chi.URLParam(r, "operatorID"))
	if err != nil {
		h.writeError(w, r, "get operator", err)
		return
	}

	writeJSON(w, http.StatusOK, newOperatorResponse(op))
}

// UpdateOperator заменяет настройки оператора.
func (h *Handler) UpdateOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	op := req.toModel()
	op.ID = chi.URLParam(r, "operatorID")

	updated, err := h.service.UpdateOperator(r.Context(), op)
	if err != nil {
		h.writeError(w, r, "update operator", err)
		return
	}

	writeJSON(w, http.StatusOK, newOperatorResponse(updated))
}

// CalculateRates пересчитывает конверсии оператора.
func (h *Handler) CalculateRates(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.CalculateRates(r.Context(), chi.URLParam(r, "operatorID"))
	if err != nil {
		h.writeError(w, r, "calculate rates", err)
		return
	}

	writeJSON(w, http.StatusOK, newOperatorResponse(op))
}

// GetMetrics возвращает дневные метрики оператора. Без параметров отдаёт текущий день.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	today := time.Now().UTC()
	from, to := today, today

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(dateLayout, v); err != nil {
			badRequest(w, "invalid from date")
			return
		}
		to = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(dateLayout, v); err != nil {
			badRequest(w, "invalid to date")
			return
		}
	}

	rows, err := h.service.GetMetrics(r.Context(), chi.URLParam(r, "operatorID"), from, to)
	if err != nil {
		h.writeError(w, r, "get metrics", err)
		return
	}

	resp := make([]metricsResponse, 0, len(rows))
	for _, m := range rows {
		resp = append(resp, newMetricsResponse(m))
	}

	writeJSON(w, http.StatusOK, resp)
}

// UpsertRecyclingRule создаёт или заменяет правило переноса для пары операторов.
func (h *Handler) UpsertRecyclingRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	rule, err := h.service.UpsertRecyclingRule(r.Context(), model.RecyclingRule{
		SourceOperatorID:        chi.URLParam(r, "sourceID"),
		TargetOperatorID:        chi.URLParam(r, "targetID"),
		MinStage:                req.MinStage,
		MaxStage:                req.MaxStage,
		ExcludeHighValue:        req.ExcludeHighValue,
		MinDaysSinceLastDeposit: req.MinDaysSinceLastDeposit,
		MaxRecyclesPerUser:      req.MaxRecyclesPerUser,
		CooldownDays:            req.CooldownDays,
		IsActive:                req.IsActive,
		Priority:                req.Priority,
	})
	if err != nil {
		h.writeError(w, r, "upsert recycling rule", err)
		return
	}

	writeJSON(w, http.StatusOK, newRuleResponse(rule))
}

// GetRecyclingRule возвращает правило переноса для пары операторов.
func (h *Handler) GetRecyclingRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetRecyclingRule(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "targetID"))
	if err != nil {
		h.writeError(w, r, "get recycling rule", err)
		return
	}

	writeJSON(w, http.StatusOK, newRuleResponse(rule))
}
