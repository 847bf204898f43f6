// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mmeshcher/starshop/internal/model"
)

const (
	maxChargeIDLen = 255
	maxNameLen     = 128
	maxCodeLen     = 512
	maxCodesBatch  = 1000
)

var (
	// ErrInvalidProduct возвращается при некорректных полях товара.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrInvalidCodes возвращается при некорректном списке кодов.
	ErrInvalidCodes = errors.New("invalid codes")
)

// IsValidChargeID проверяет идентификатор платежа: непустой, без пробельных и управляющих символов.
func IsValidChargeID(id string) bool {
	if id == "" || len(id) > maxChargeIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ValidateNewProduct проверяет поля создаваемого товара.
func ValidateNewProduct(p model.NewProduct) error {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	case utf8.RuneCountInString(name) > maxNameLen:
		return fmt.Errorf("%w: name is longer than %d characters", ErrInvalidProduct, maxNameLen)
	case p.PriceStars <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	case !p.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProduct, p.Type)
	case p.DiscountPercentage < 0 || p.DiscountPercentage > 100:
		return fmt.Errorf("%w: discount must be within 0..100", ErrInvalidProduct)
	case p.IsLimited && p.Stock < 0:
		return fmt.Errorf("%w: limited stock must not be negative", ErrInvalidProduct)
	}

	content := strings.TrimSpace(p.Content)
	switch p.Type {
	case model.ProductTypeCode:
		if !p.IsLimited {
			return fmt.Errorf("%w: code products must be limited", ErrInvalidProduct)
		}
	case model.ProductTypeBalance:
		if !isPositiveInt(content) {
			return fmt.Errorf("%w: balance content must be a positive integer", ErrInvalidProduct)
		}
	default:
		if content == "" && p.AutoDelivery {
			return fmt.Errorf("%w: content is required for auto delivery", ErrInvalidProduct)
		}
	}

	return nil
}

// NormalizeCodes убирает пробелы и пустые строки, отклоняет повторы внутри пакета.
func NormalizeCodes(codes []string) ([]string, error) {
	if len(codes) > maxCodesBatch {
		return nil, fmt.Errorf("%w: at most %d codes per request", ErrInvalidCodes, maxCodesBatch)
	}

	seen := make(map[string]struct{}, len(codes))
	res := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > maxCodeLen {
			return nil, fmt.Errorf("%w: code longer than %d bytes", ErrInvalidCodes, maxCodeLen)
		}
		if _, ok := seen[c]; ok {
			return nil, fmt.Errorf("%w: duplicate code %q", ErrInvalidCodes, c)
		}
		seen[c] = struct{}{}
		res = append(res, c)
	}

	if len(res) == 0 {
		return nil, fmt.Errorf("%w: no codes", ErrInvalidCodes)
	}
	return res, nil
}

func isPositiveInt(s string) bool {
	if s == "" || len(s) > 18 {
		return false
	}
	for _, ch := range s {
		if !unicode.IsDigit(ch) || ch > '9' {
			return false
		}
	}
	return strings.TrimLeft(s, "0") != ""
}
