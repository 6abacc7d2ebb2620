package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
)

// Queries описывает операции хранилища, доступные как в транзакции, так и вне её.
// Блокировки, взятые методами Lock*, держатся до конца транзакции.
type Queries interface {
	CreateOperator(ctx context.Context, op *model.Operator) error
	GetOperator(ctx context.Context, operatorID string) (*model.Operator, error)
	UpdateOperator(ctx context.Context, op *model.Operator) error
	UpdateOperatorRates(ctx context.Context, operatorID string, regRate, ftdRate decimal.Decimal, now time.Time) error

	GetJourneyState(ctx context.Context, customerID, operatorID string) (*model.JourneyState, error)
	CreateJourneyState(ctx context.Context, state *model.JourneyState) error
	// LockJourneyState создаёт fresh, если состояния для пары ещё нет, и возвращает заблокированную запись.
	LockJourneyState(ctx context.Context, fresh *model.JourneyState) (*model.JourneyState, error)
	UpdateJourneyState(ctx context.Context, state *model.JourneyState) error
	// ListJourneyStatesByOperator возвращает состояния оператора, начиная с недавно обновлённых.
	ListJourneyStatesByOperator(ctx context.Context, operatorID string, limit int) ([]model.JourneyState, error)

	UpsertRecyclingRule(ctx context.Context, rule *model.RecyclingRule) error
	GetRecyclingRule(ctx context.Context, sourceOperatorID, targetOperatorID string) (*model.RecyclingRule, error)

	LockRecyclingPair(ctx context.Context, customerID, fromOperatorID, toOperatorID string) error
	CountRecycles(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (int, error)
	LastRecycle(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (*model.RecyclingHistory, error)
	InsertRecyclingHistory(ctx context.Context, h *model.RecyclingHistory) error
	ListRecyclingHistory(ctx context.Context, customerID string) ([]model.RecyclingHistory, error)

	IncrementMetrics(ctx context.Context, operatorID string, day time.Time, delta model.MetricsDelta) error
	GetMetricsTotals(ctx context.Context, operatorID string) (model.MetricsTotals, error)
	ListMetrics(ctx context.Context, operatorID string, from, to time.Time) ([]model.OperatorMetrics, error)

	EnqueueStageChanged(ctx context.Context, ev model.StageChanged) error
	PendingStageChanges(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkStageChangesDelivered(ctx context.Context, seqs []int64, at time.Time) error
}

// DayOf возвращает начало суток UTC, к которым относится момент t.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func recycleKey(customerID, fromOperatorID, toOperatorID string) string {
	return customerID + "|" + fromOperatorID + "|" + toOperatorID
}

func journeyKey(customerID, operatorID string) string {
	return customerID + "|" + operatorID
}
