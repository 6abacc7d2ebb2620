// Package handler содержит HTTP-обработчики API движка воронок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/journey-engine/internal/middleware"
	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
	"github.com/mmeshcher/journey-engine/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOperator(ctx context.Context, op model.Operator) (*model.Operator, error)
	GetOperator(ctx context.Context, operatorID string) (*model.Operator, error)
	UpdateOperator(ctx context.Context, op model.Operator) (*model.Operator, error)
	CalculateRates(ctx context.Context, operatorID string) (*model.Operator, error)
	GetMetrics(ctx context.Context, operatorID string, from, to time.Time) ([]model.OperatorMetrics, error)

	UpsertRecyclingRule(ctx context.Context, rule model.RecyclingRule) (*model.RecyclingRule, error)
	GetRecyclingRule(ctx context.Context, sourceOperatorID, targetOperatorID string) (*model.RecyclingRule, error)

	RecordLead(ctx context.Context, customerID, operatorID string) (*model.Transition, error)
	RecordRegistration(ctx context.Context, customerID, operatorID string) (*model.Transition, error)
	RecordDeposit(ctx context.Context, customerID, operatorID string, amount decimal.Decimal) (*model.Transition, error)
	StartJourney(ctx context.Context, customerID, operatorID string, journey model.JourneyType) (*model.JourneyState, error)
	GetJourneyState(ctx context.Context, customerID, operatorID string) (*model.JourneyState, error)
	RecordMessageSent(ctx context.Context, customerID, operatorID string, channel model.Channel) (*model.JourneyState, error)

	Evaluate(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (model.Eligibility, error)
	FindEligible(ctx context.Context, fromOperatorID, toOperatorID string, limit int) ([]model.Candidate, error)
	Recycle(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (*model.RecycleResult, error)
	ListRecyclingHistory(ctx context.Context, customerID string) ([]model.RecyclingHistory, error)
}

// Handler реализует HTTP-обработчики API движка воронок.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrOperatorNotFound),
		errors.Is(err, repository.ErrJourneyStateNotFound),
		errors.Is(err, repository.ErrRecyclingRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotEligible),
		errors.Is(err, repository.ErrDuplicateJourneyState),
		errors.Is(err, repository.ErrOperatorExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidIdentifier),
		errors.Is(err, service.ErrInvalidOperator),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidChannel),
		errors.Is(err, service.ErrInvalidJourney),
		errors.Is(err, service.ErrInvalidMetricsDelta),
		errors.Is(err, service.ErrInvalidRange),
		errors.Is(err, service.ErrSameOperator),
		errors.Is(err, repository.ErrValueOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит ошибку сервиса в HTTP-ответ. Внутренние ошибки пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)

	resp := errorResponse{Error: http.StatusText(status)}
	var notEligible *service.NotEligibleError
	switch {
	case errors.As(err, &notEligible):
		resp.Reason = notEligible.Reason
	case status < http.StatusInternalServerError:
		resp.Error = err.Error()
	default:
		h.logger.Error(op+" error", zap.Error(err), zap.String("requestID", middleware.GetRequestID(r.Context())))
	}

	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
