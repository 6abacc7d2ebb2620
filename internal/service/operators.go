package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/validation"
)

func validateOperator(op *model.Operator) error {
	if !validation.IsValidSlug(op.Slug) {
		return fmt.Errorf("%w: slug %q", ErrInvalidOperator, op.Slug)
	}
	if !op.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidOperator, op.Status)
	}
	if op.RecycleAfterDays < 0 {
		return fmt.Errorf("%w: recycleAfterDays must be non-negative", ErrInvalidOperator)
	}
	if op.MinStageForRecycle > op.MaxStageForRecycle {
		return fmt.Errorf("%w: minStageForRecycle %d > maxStageForRecycle %d",
			ErrInvalidOperator, op.MinStageForRecycle, op.MaxStageForRecycle)
	}
	return nil
}

// CreateOperator регистрирует нового оператора. Пустой статус означает ACTIVE.
func (s *Service) CreateOperator(ctx context.Context, op model.Operator) (*model.Operator, error) {
	if op.Status == "" {
		op.Status = model.OperatorStatusActive
	}
	if err := validateOperator(&op); err != nil {
		return nil, err
	}

	now := s.now()
	op.ID = s.newID()
	op.RegRate = decimal.Zero
	op.FTDRate = decimal.Zero
	op.CreatedAt = now
	op.UpdatedAt = now

	if err := s.repo.CreateOperator(ctx, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// GetOperator возвращает оператора по идентификатору.
func (s *Service) GetOperator(ctx context.Context, operatorID string) (*model.Operator, error) {
	return s.repo.GetOperator(ctx, operatorID)
}

// UpdateOperator меняет настройки оператора. Конверсии пересчитываются только CalculateRates.
func (s *Service) UpdateOperator(ctx context.Context, op model.Operator) (*model.Operator, error) {
	if err := validateOperator(&op); err != nil {
		return nil, err
	}
	op.UpdatedAt = s.now()

	if err := s.repo.UpdateOperator(ctx, &op); err != nil {
		return nil, err
	}
	return s.repo.GetOperator(ctx, op.ID)
}

func validateRule(rule *model.RecyclingRule) error {
	if !validation.IsValidIdentifier(rule.SourceOperatorID) || !validation.IsValidIdentifier(rule.TargetOperatorID) {
		return fmt.Errorf("%w: operator ids required", ErrInvalidRule)
	}
	if rule.SourceOperatorID == rule.TargetOperatorID {
		return fmt.Errorf("%w: source and target must differ", ErrInvalidRule)
	}
	if rule.MinStage > rule.MaxStage {
		return fmt.Errorf("%w: minStage %d > maxStage %d", ErrInvalidRule, rule.MinStage, rule.MaxStage)
	}
	if rule.MinDaysSinceLastDeposit < 0 || rule.MaxRecyclesPerUser < 0 || rule.CooldownDays < 0 {
		return fmt.Errorf("%w: days and caps must be non-negative", ErrInvalidRule)
	}
	return nil
}

// UpsertRecyclingRule создаёт или заменяет правило переноса между операторами.
func (s *Service) UpsertRecyclingRule(ctx context.Context, rule model.RecyclingRule) (*model.RecyclingRule, error) {
	if err := validateRule(&rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = s.now()

	if err := s.repo.UpsertRecyclingRule(ctx, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRecyclingRule возвращает правило переноса для пары операторов.
func (s *Service) GetRecyclingRule(ctx context.Context, sourceOperatorID, targetOperatorID string) (*model.RecyclingRule, error) {
	return s.repo.GetRecyclingRule(ctx, sourceOperatorID, targetOperatorID)
}
