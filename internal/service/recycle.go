package service

import (
	"context"
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

// FindEligible подбирает до limit клиентов оператора from, которых можно перенести к to.
// Кандидаты читаются одним запросом с запасом 2×limit в порядке убывания updated_at,
// затем каждый проверяется через Evaluate.
func (s *Service) FindEligible(ctx context.Context, fromOperatorID, toOperatorID string, limit int) ([]model.Candidate, error) {
	if err := validatePair(fromOperatorID, toOperatorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	if _, err := s.repo.GetOperator(ctx, fromOperatorID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetOperator(ctx, toOperatorID); err != nil {
		return nil, err
	}

	scan := math.MaxInt
	if limit <= math.MaxInt/2 {
		scan = 2 * limit
	}

	states, err := s.repo.ListJourneyStatesByOperator(ctx, fromOperatorID, scan)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := make([]model.Candidate, 0, min(limit, len(states)))
	for _, st := range states {
		elig, err := s.evaluate(ctx, s.repo, st.CustomerID, fromOperatorID, toOperatorID, now)
		if err != nil {
			return nil, err
		}
		if !elig.Eligible {
			continue
		}

		res = append(res, model.Candidate{State: st, Eligibility: elig})
		if len(res) == limit {
			break
		}
	}

	return res, nil
}

// Recycle переносит клиента от оператора from к оператору to: повторно проверяет
// возможность переноса и пишет запись в журнал в одной транзакции. Состояние у to
// создаёт вызывающий через StartJourney.
func (s *Service) Recycle(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (*model.RecycleResult, error) {
	if err := validateIDs(customerID); err != nil {
		return nil, err
	}
	if err := validatePair(fromOperatorID, toOperatorID); err != nil {
		return nil, err
	}

	var res *model.RecycleResult
	err := s.repo.InTx(ctx, func(q repository.Queries) error {
		res = nil
		now := s.now()

		if _, err := q.GetOperator(ctx, fromOperatorID); err != nil {
			return err
		}
		if _, err := q.GetOperator(ctx, toOperatorID); err != nil {
			return err
		}

		if err := q.LockRecyclingPair(ctx, customerID, fromOperatorID, toOperatorID); err != nil {
			return err
		}

		elig, err := s.evaluate(ctx, q, customerID, fromOperatorID, toOperatorID, now)
		if err != nil {
			return err
		}
		if !elig.Eligible {
			return &NotEligibleError{Reason: elig.Reason, Eligibility: elig}
		}

		h := model.RecyclingHistory{
			ID:                s.newID(),
			CustomerID:        customerID,
			FromOperatorID:    fromOperatorID,
			ToOperatorID:      toOperatorID,
			StageAtRecycle:    model.StageNotRegistered,
			LastDepositAmount: decimal.Zero,
			RecycledAt:        now,
		}

		st, err := q.GetJourneyState(ctx, customerID, fromOperatorID)
		switch {
		case err == nil:
			h.StageAtRecycle = st.Stage
			h.DaysSinceDeposit = daysSince(st.LastDepositAt, now)
			h.LastDepositAmount = st.LastDepositAmount
		case !errors.Is(err, repository.ErrJourneyStateNotFound):
			return err
		}

		if err := q.InsertRecyclingHistory(ctx, &h); err != nil {
			return err
		}
		if err := q.IncrementMetrics(ctx, fromOperatorID, now, model.MetricsDelta{RecycledOut: 1}); err != nil {
			return err
		}
		if err := q.IncrementMetrics(ctx, toOperatorID, now, model.MetricsDelta{RecycledIn: 1}); err != nil {
			return err
		}

		res = &model.RecycleResult{History: h, Eligibility: elig}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListRecyclingHistory возвращает переносы клиента, начиная с последних.
func (s *Service) ListRecyclingHistory(ctx context.Context, customerID string) ([]model.RecyclingHistory, error) {
	if err := validateIDs(customerID); err != nil {
		return nil, err
	}
	return s.repo.ListRecyclingHistory(ctx, customerID)
}
