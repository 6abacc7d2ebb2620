package service

import (
	"errors"

	"github.com/mmeshcher/journey-engine/internal/model"
)

var (
	// ErrInvalidAmount возвращается для отрицательной суммы депозита.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidIdentifier возвращается для пустых или некорректных идентификаторов.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidOperator возвращается при некорректных настройках оператора.
	ErrInvalidOperator = errors.New("invalid operator")
	// ErrInvalidRule возвращается при некорректном правиле переноса.
	ErrInvalidRule = errors.New("invalid recycling rule")
	// ErrInvalidChannel возвращается для неизвестного канала сообщений.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidJourney возвращается для неизвестного типа сценария.
	ErrInvalidJourney = errors.New("invalid journey")
	// ErrInvalidMetricsDelta возвращается для отрицательных приращений метрик.
	ErrInvalidMetricsDelta = errors.New("invalid metrics delta")
	// ErrInvalidRange возвращается, если конец диапазона дат раньше начала.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrSameOperator возвращается, если оператор-источник совпадает с целевым.
	ErrSameOperator = errors.New("source and target operator must differ")
	// ErrNotEligible сопоставляется с любым *NotEligibleError.
	ErrNotEligible = errors.New("not eligible")
)

// NotEligibleError возвращается из Recycle, если повторная проверка отказала.
type NotEligibleError struct {
	Reason      string
	Eligibility model.Eligibility
}

func (e *NotEligibleError) Error() string {
	return "not eligible: " + e.Reason
}

// Is позволяет проверять ошибку через errors.Is(err, ErrNotEligible).
func (e *NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}
