// Package repository содержит реализации хранилища движка воронок: PostgreSQL и память.
package repository

import "errors"

// ErrOperatorNotFound возвращается, если оператор не найден.
var (
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrOperatorExists возвращается при попытке создать оператора с занятым slug.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrJourneyStateNotFound возвращается, если у клиента нет состояния у оператора.
	ErrJourneyStateNotFound = errors.New("journey state not found")
	// ErrDuplicateJourneyState возвращается при попытке создать второе состояние для пары клиент/оператор.
	ErrDuplicateJourneyState = errors.New("journey state already exists")
	// ErrRecyclingRuleNotFound возвращается, если правило переноса для пары операторов не задано.
	ErrRecyclingRuleNotFound = errors.New("recycling rule not found")
	// ErrRecyclingHistoryNotFound возвращается, если переносов по тройке ещё не было.
	ErrRecyclingHistoryNotFound = errors.New("recycling history not found")
	// ErrValueOutOfRange возвращается, если сумма не помещается в денежную колонку.
	ErrValueOutOfRange = errors.New("value out of range")
	// ErrStoreUnavailable оборачивает временные сбои хранилища; операцию можно повторить.
	ErrStoreUnavailable = errors.New("store unavailable")
)
