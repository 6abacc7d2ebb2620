package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

// ratePlaces задаёт точность хранимых конверсий.
const ratePlaces = 4

// IncrementMetrics прибавляет приращения к дневной строке оператора.
func (s *Service) IncrementMetrics(ctx context.Context, operatorID string, day time.Time, delta model.MetricsDelta) error {
	if err := validateIDs(operatorID); err != nil {
		return err
	}
	if delta.Leads < 0 || delta.Registrations < 0 || delta.FTD < 0 || delta.Deposits < 0 ||
		delta.Revenue.IsNegative() || delta.RecycledIn < 0 || delta.RecycledOut < 0 || delta.Messages < 0 {
		return ErrInvalidMetricsDelta
	}
	if err := validateMoney(delta.Revenue); err != nil {
		return fmt.Errorf("%w: revenue: %w", ErrInvalidMetricsDelta, err)
	}
	delta.Revenue = delta.Revenue.Truncate(moneyPlaces)
	if delta.IsZero() {
		_, err := s.repo.GetOperator(ctx, operatorID)
		return err
	}
	return s.repo.IncrementMetrics(ctx, operatorID, day, delta)
}

func rate(num, den int64) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), ratePlaces)
}

// CalculateRates пересчитывает regRate = регистрации/лиды и ftdRate = FTD/регистрации
// по всем дневным строкам и сохраняет их у оператора.
func (s *Service) CalculateRates(ctx context.Context, operatorID string) (*model.Operator, error) {
	if err := validateIDs(operatorID); err != nil {
		return nil, err
	}

	var res *model.Operator
	err := s.repo.InTx(ctx, func(q repository.Queries) error {
		res = nil

		op, err := q.GetOperator(ctx, operatorID)
		if err != nil {
			return err
		}

		totals, err := q.GetMetricsTotals(ctx, operatorID)
		if err != nil {
			return err
		}

		now := s.now()
		op.RegRate = rate(totals.Registrations, totals.Leads)
		op.FTDRate = rate(totals.FTD, totals.Registrations)
		op.UpdatedAt = now

		if err := q.UpdateOperatorRates(ctx, operatorID, op.RegRate, op.FTDRate, now); err != nil {
			return err
		}

		res = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetMetrics возвращает дневные строки оператора в диапазоне дат включительно.
func (s *Service) GetMetrics(ctx context.Context, operatorID string, from, to time.Time) ([]model.OperatorMetrics, error) {
	if err := validateIDs(operatorID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	if _, err := s.repo.GetOperator(ctx, operatorID); err != nil {
		return nil, err
	}
	return s.repo.ListMetrics(ctx, operatorID, from, to)
}
