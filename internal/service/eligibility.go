package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

// Причины решения о переносе. Вызывающие показывают их операторам, поэтому тексты стабильны.
const (
	ReasonNoSourceJourney      = "no journey with current operator"
	ReasonOperatorNotFound     = "operator not found"
	ReasonHighValueProtected   = "high-value player protected"
	ReasonOperatorPaused       = "operator paused — all players protected"
	ReasonRuleExcludeHighValue = "high-value player excluded by rule"
	ReasonTargetJourneyExists  = "already has journey with target operator"
	ReasonEligible             = "eligible"
)

func reasonOperatorStageWindow(stage, lo, hi int) string {
	return fmt.Sprintf("stage %d outside operator recycle window [%d, %d]", stage, lo, hi)
}

func reasonOperatorWait(required, elapsed int) string {
	return fmt.Sprintf("must wait %d days after last deposit (%d elapsed)", required, elapsed)
}

func reasonRuleStageWindow(stage, lo, hi int) string {
	return fmt.Sprintf("stage %d outside rule window [%d, %d]", stage, lo, hi)
}

func reasonRuleWait(required, elapsed int) string {
	return fmt.Sprintf("rule requires %d days since last deposit (%d elapsed)", required, elapsed)
}

func reasonMaxRecycles(count, limit int) string {
	return fmt.Sprintf("max recycles reached (%d/%d)", count, limit)
}

func reasonCooldown(elapsed, required int) string {
	return fmt.Sprintf("cooldown active: %d of %d days elapsed", elapsed, required)
}

// daysBetween возвращает число полных суток между from и now, округляя вниз.
func daysBetween(from, now time.Time) int {
	return int(math.Floor(now.Sub(from).Hours() / 24))
}

func daysSince(t *time.Time, now time.Time) *int {
	if t == nil {
		return nil
	}
	d := daysBetween(*t, now)
	return &d
}

func validatePair(fromOperatorID, toOperatorID string) error {
	if err := validateIDs(fromOperatorID, toOperatorID); err != nil {
		return err
	}
	if fromOperatorID == toOperatorID {
		return ErrSameOperator
	}
	return nil
}

// Evaluate решает, можно ли перенести клиента от оператора from к оператору to.
// Метод ничего не изменяет; ошибка возвращается только при сбое хранилища.
// Проверки идут в фиксированном порядке и останавливаются на первом отказе.
func (s *Service) Evaluate(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (model.Eligibility, error) {
	if err := validateIDs(customerID); err != nil {
		return model.Eligibility{}, err
	}
	if err := validatePair(fromOperatorID, toOperatorID); err != nil {
		return model.Eligibility{}, err
	}
	return s.evaluate(ctx, s.repo, customerID, fromOperatorID, toOperatorID, s.now())
}

func (s *Service) evaluate(ctx context.Context, q repository.Queries, customerID, fromID, toID string, now time.Time) (model.Eligibility, error) {
	state, err := q.GetJourneyState(ctx, customerID, fromID)
	if err != nil {
		if errors.Is(err, repository.ErrJourneyStateNotFound) {
			return model.Eligibility{Eligible: true, Reason: ReasonNoSourceJourney}, nil
		}
		return model.Eligibility{}, err
	}

	stage := state.Stage
	res := model.Eligibility{
		Stage:            &stage,
		DaysSinceDeposit: daysSince(state.LastDepositAt, now),
	}
	deny := func(reason string) (model.Eligibility, error) {
		res.Eligible = false
		res.Reason = reason
		return res, nil
	}

	op, err := q.GetOperator(ctx, fromID)
	if err != nil {
		if errors.Is(err, repository.ErrOperatorNotFound) {
			return deny(ReasonOperatorNotFound)
		}
		return model.Eligibility{}, err
	}

	if op.ProtectHighValue && state.IsHighValue() {
		return deny(ReasonHighValueProtected)
	}

	switch op.Status {
	case model.OperatorStatusActive:
		if stage < op.MinStageForRecycle || stage > op.MaxStageForRecycle {
			return deny(reasonOperatorStageWindow(stage, op.MinStageForRecycle, op.MaxStageForRecycle))
		}
		if res.DaysSinceDeposit != nil && *res.DaysSinceDeposit < op.RecycleAfterDays {
			return deny(reasonOperatorWait(op.RecycleAfterDays, *res.DaysSinceDeposit))
		}
	case model.OperatorStatusPaused:
		return deny(ReasonOperatorPaused)
	}

	rule, err := q.GetRecyclingRule(ctx, fromID, toID)
	switch {
	case errors.Is(err, repository.ErrRecyclingRuleNotFound):
		rule = nil
	case err != nil:
		return model.Eligibility{}, err
	}

	if rule != nil && rule.IsActive {
		res.RuleApplied = true

		if stage < rule.MinStage || stage > rule.MaxStage {
			return deny(reasonRuleStageWindow(stage, rule.MinStage, rule.MaxStage))
		}
		if rule.ExcludeHighValue && state.IsHighValue() {
			return deny(ReasonRuleExcludeHighValue)
		}
		if res.DaysSinceDeposit != nil && *res.DaysSinceDeposit < rule.MinDaysSinceLastDeposit {
			return deny(reasonRuleWait(rule.MinDaysSinceLastDeposit, *res.DaysSinceDeposit))
		}

		count, err := q.CountRecycles(ctx, customerID, fromID, toID)
		if err != nil {
			return model.Eligibility{}, err
		}
		res.RecycleCount = count
		if count >= rule.MaxRecyclesPerUser {
			return deny(reasonMaxRecycles(count, rule.MaxRecyclesPerUser))
		}

		last, err := q.LastRecycle(ctx, customerID, fromID, toID)
		switch {
		case errors.Is(err, repository.ErrRecyclingHistoryNotFound):
		case err != nil:
			return model.Eligibility{}, err
		default:
			if elapsed := daysBetween(last.RecycledAt, now); elapsed < rule.CooldownDays {
				return deny(reasonCooldown(elapsed, rule.CooldownDays))
			}
		}
	}

	if _, err := q.GetJourneyState(ctx, customerID, toID); err == nil {
		return deny(ReasonTargetJourneyExists)
	} else if !errors.Is(err, repository.ErrJourneyStateNotFound) {
		return model.Eligibility{}, err
	}

	res.Eligible = true
	res.Reason = ReasonEligible
	return res, nil
}
