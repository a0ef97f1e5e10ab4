// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
)

const (
	maxCategoryLen   = 32
	quantityScale    = 3
	priceScale       = 2
	minLoginLen      = 3
	maxLoginLen      = 64
	minPasswordBytes = 6
	// bcrypt учитывает только первые 72 байта пароля.
	maxPasswordBytes = 72
)

var maxAmount = decimal.New(1, 11)

// IsValidCategory проверяет название единицы товара ("Kilo", "Pc", "Tali"):
// непустое, не длиннее 32 символов, только буквы, цифры, пробел и дефис.
func IsValidCategory(category string) bool {
	if category == "" || strings.TrimSpace(category) != category {
		return false
	}
	if utf8.RuneCountInString(category) > maxCategoryLen {
		return false
	}
	for _, r := range category {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' && r != '-' {
			return false
		}
	}
	return true
}

// IsValidQuantity проверяет, что количество положительно и имеет не больше трёх знаков после запятой.
func IsValidQuantity(q decimal.Decimal) bool {
	return q.IsPositive() && q.LessThan(maxAmount) && fitsScale(q, quantityScale)
}

// IsValidPrice проверяет, что цена неотрицательна и указана с точностью до копеек.
func IsValidPrice(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThan(maxAmount) && fitsScale(p, priceScale)
}

// ParseUserType возвращает тип пользователя; пустая строка означает покупателя.
func ParseUserType(s string) (model.UserType, bool) {
	switch model.UserType(s) {
	case "", model.UserTypeCustomer:
		return model.UserTypeCustomer, true
	case model.UserTypeMember:
		return model.UserTypeMember, true
	case model.UserTypeStaff:
		return model.UserTypeStaff, true
	default:
		return "", false
	}
}

// IsValidLogin проверяет длину логина и отсутствие пробельных символов.
func IsValidLogin(login string) bool {
	n := utf8.RuneCountInString(login)
	if n < minLoginLen || n > maxLoginLen {
		return false
	}
	return !strings.ContainsFunc(login, unicode.IsSpace)
}

// IsValidPassword проверяет длину пароля в байтах.
func IsValidPassword(password string) bool {
	return len(password) >= minPasswordBytes && len(password) <= maxPasswordBytes
}

func fitsScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}
