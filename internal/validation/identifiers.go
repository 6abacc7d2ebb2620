// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// MaxIdentifierLength ограничивает длину внешних идентификаторов клиентов и операторов.
const MaxIdentifierLength = 128

// IsValidSlug проверяет slug оператора: строчные латинские буквы и цифры,
// группы разделены одиночным дефисом.
func IsValidSlug(slug string) bool {
	if slug == "" || len(slug) > MaxIdentifierLength {
		return false
	}

	prevDash := true
	for i := 0; i < len(slug); i++ {
		ch := slug[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			prevDash = false
		case ch == '-':
			if prevDash {
				return false
			}
			prevDash = true
		default:
			return false
		}
	}

	return !prevDash
}

// IsValidIdentifier проверяет идентификатор клиента или оператора: непустой,
// без пробелов и управляющих символов.
func IsValidIdentifier(id string) bool {
	if id == "" || len(id) > MaxIdentifierLength {
		return false
	}

	for _, ch := range id {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) || ch == '|' {
			return false
		}
	}

	return true
}
