package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
	"github.com/mmeshcher/journey-engine/internal/validation"
)

// stageForDeposits возвращает стадию по числу депозитов. Всё от трёх депозитов
// считается одной стадией ценного игрока.
func stageForDeposits(count int) int {
	if count >= model.StageHighValue {
		return model.StageHighValue
	}
	return count
}

// moneyPlaces и maxMoney повторяют ограничения колонок NUMERIC(18, 2).
const moneyPlaces = 2

var maxMoney = decimal.New(1, 16)

// validateMoney пропускает неотрицательные суммы с точностью до копейки, помещающиеся в колонку.
func validateMoney(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, v.String())
	}
	if !v.Equal(v.Truncate(moneyPlaces)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, v.String(), moneyPlaces)
	}
	if v.GreaterThanOrEqual(maxMoney) {
		return fmt.Errorf("%w: %s out of range", ErrInvalidAmount, v.String())
	}
	return nil
}

func journeyPtr(j model.JourneyType) *model.JourneyType {
	return &j
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if !validation.IsValidIdentifier(id) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

// RecordLead фиксирует лид клиента у оператора. Стадия не меняется.
func (s *Service) RecordLead(ctx context.Context, customerID, operatorID string) (*model.Transition, error) {
	return s.applyEvent(ctx, customerID, operatorID, model.EventLead, func(_ *model.JourneyState, _ time.Time) (model.MetricsDelta, error) {
		return model.MetricsDelta{Leads: 1}, nil
	})
}

// RecordRegistration переводит клиента как минимум в стадию 0 и запускает привлекающий сценарий.
func (s *Service) RecordRegistration(ctx context.Context, customerID, operatorID string) (*model.Transition, error) {
	return s.applyEvent(ctx, customerID, operatorID, model.EventRegistration, func(st *model.JourneyState, _ time.Time) (model.MetricsDelta, error) {
		var delta model.MetricsDelta
		if st.Stage < model.StageRegistered {
			st.Stage = model.StageRegistered
			delta.Registrations = 1
		}
		if st.CurrentJourney == nil {
			st.CurrentJourney = journeyPtr(model.JourneyAcquisition)
		}
		return delta, nil
	})
}

// RecordDeposit учитывает депозит клиента. Стадия растёт до min(depositCount, 3) и
// никогда не уменьшается; первый депозит переключает сценарий на удержание.
func (s *Service) RecordDeposit(ctx context.Context, customerID, operatorID string, amount decimal.Decimal) (*model.Transition, error) {
	if err := validateMoney(amount); err != nil {
		return nil, err
	}
	amount = amount.Truncate(moneyPlaces)

	return s.applyEvent(ctx, customerID, operatorID, model.EventDeposit, func(st *model.JourneyState, now time.Time) (model.MetricsDelta, error) {
		total := st.TotalDepositValue.Add(amount)
		if total.GreaterThanOrEqual(maxMoney) {
			return model.MetricsDelta{}, fmt.Errorf("%w: total deposit value %s out of range", ErrInvalidAmount, total.String())
		}

		st.DepositCount++
		st.TotalDepositValue = total
		st.LastDepositAmount = amount
		at := now
		st.LastDepositAt = &at

		if target := stageForDeposits(st.DepositCount); target > st.Stage {
			st.Stage = target
		}

		delta := model.MetricsDelta{Deposits: 1, Revenue: amount}
		if st.DepositCount == 1 {
			delta.FTD = 1
		}
		return delta, nil
	})
}

// applyEvent применяет событие к заблокированному состоянию пары клиент/оператор
// в одной транзакции с метриками и outbox.
func (s *Service) applyEvent(
	ctx context.Context,
	customerID, operatorID string,
	kind model.EventType,
	apply func(st *model.JourneyState, now time.Time) (model.MetricsDelta, error),
) (*model.Transition, error) {
	if err := validateIDs(customerID, operatorID); err != nil {
		return nil, err
	}

	var res *model.Transition
	err := s.repo.InTx(ctx, func(q repository.Queries) error {
		res = nil
		now := s.now()

		if _, err := q.GetOperator(ctx, operatorID); err != nil {
			return err
		}

		st, err := q.LockJourneyState(ctx, s.newJourneyState(customerID, operatorID, nil, now))
		if err != nil {
			return err
		}

		oldStage := st.Stage
		wasRetention := st.CurrentJourney != nil && *st.CurrentJourney == model.JourneyRetention
		oldJourney := st.CurrentJourney

		delta, err := apply(st, now)
		if err != nil {
			return err
		}

		switched := false
		if oldStage <= model.StageRegistered && st.Stage >= model.StageFirstDeposit && !wasRetention {
			st.CurrentJourney = journeyPtr(model.JourneyRetention)
			switched = true
		}
		st.UpdatedAt = now

		if err := q.UpdateJourneyState(ctx, st); err != nil {
			return err
		}

		if !delta.IsZero() {
			if err := q.IncrementMetrics(ctx, operatorID, now, delta); err != nil {
				return err
			}
		}

		var change *model.StageChanged
		if st.Stage != oldStage || switched || (oldJourney == nil && st.CurrentJourney != nil) {
			change = &model.StageChanged{
				ID:            s.newID(),
				CustomerID:    customerID,
				OperatorID:    operatorID,
				OldStage:      oldStage,
				NewStage:      st.Stage,
				JourneySwitch: switched,
				Journey:       st.CurrentJourney,
				Trigger:       kind,
				OccurredAt:    now,
			}
			if err := q.EnqueueStageChanged(ctx, *change); err != nil {
				return err
			}
		}

		res = &model.Transition{State: *st, Change: change}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) newJourneyState(customerID, operatorID string, journey *model.JourneyType, now time.Time) *model.JourneyState {
	return &model.JourneyState{
		ID:                s.newID(),
		CustomerID:        customerID,
		OperatorID:        operatorID,
		Stage:             model.StageNotRegistered,
		TotalDepositValue: decimal.Zero,
		LastDepositAmount: decimal.Zero,
		CurrentJourney:    journey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// StartJourney явно создаёт состояние клиента у оператора, например после переноса.
// Пустой journey оставляет сценарий неназначенным. Повторное создание возвращает
// repository.ErrDuplicateJourneyState и не трогает существующую запись.
func (s *Service) StartJourney(ctx context.Context, customerID, operatorID string, journey model.JourneyType) (*model.JourneyState, error) {
	if err := validateIDs(customerID, operatorID); err != nil {
		return nil, err
	}

	var j *model.JourneyType
	if journey != "" {
		if !journey.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidJourney, journey)
		}
		j = journeyPtr(journey)
	}

	if _, err := s.repo.GetOperator(ctx, operatorID); err != nil {
		return nil, err
	}

	st := s.newJourneyState(customerID, operatorID, j, s.now())
	if err := s.repo.CreateJourneyState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GetJourneyState возвращает состояние клиента у оператора.
func (s *Service) GetJourneyState(ctx context.Context, customerID, operatorID string) (*model.JourneyState, error) {
	return s.repo.GetJourneyState(ctx, customerID, operatorID)
}

// RecordMessageSent увеличивает счётчик сообщений клиента по каналу.
func (s *Service) RecordMessageSent(ctx context.Context, customerID, operatorID string, channel model.Channel) (*model.JourneyState, error) {
	if err := validateIDs(customerID, operatorID); err != nil {
		return nil, err
	}
	if channel != model.ChannelEmail && channel != model.ChannelSMS {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	var res *model.JourneyState
	err := s.repo.InTx(ctx, func(q repository.Queries) error {
		res = nil
		now := s.now()

		existing, err := q.GetJourneyState(ctx, customerID, operatorID)
		if err != nil {
			return err
		}

		st, err := q.LockJourneyState(ctx, existing)
		if err != nil {
			return err
		}

		at := now
		switch channel {
		case model.ChannelEmail:
			st.EmailCount++
			st.LastEmailAt = &at
		case model.ChannelSMS:
			st.SMSCount++
			st.LastSMSAt = &at
		}
		st.UpdatedAt = now

		if err := q.UpdateJourneyState(ctx, st); err != nil {
			return err
		}
		if err := q.IncrementMetrics(ctx, operatorID, now, model.MetricsDelta{Messages: 1}); err != nil {
			return err
		}

		res = st
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrJourneyStateNotFound) {
			return nil, fmt.Errorf("%w: customer %s, operator %s", repository.ErrJourneyStateNotFound, customerID, operatorID)
		}
		return nil, err
	}
	return res, nil
}
