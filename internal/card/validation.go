package card

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field errors found while checking caller input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ValidateCreate checks the inputs of CreateCard.
func ValidateCreate(cardholderName string, initialBalance decimal.Decimal) error {
	v := &ValidationError{}
	if strings.TrimSpace(cardholderName) == "" {
		v.add("cardholder_name", "must not be blank")
	}
	if initialBalance.IsNegative() {
		v.add("initial_balance", "must be zero or greater")
	}
	checkScale(v, "initial_balance", initialBalance)
	return v.orNil()
}

// ValidateAmount checks a spend or top-up amount.
func ValidateAmount(amount decimal.Decimal) error {
	v := &ValidationError{}
	if !amount.IsPositive() {
		v.add("amount", "must be greater than zero")
	}
	checkScale(v, "amount", amount)
	return v.orNil()
}

// MaxPageSize bounds the number of transactions returned in one history page.
const MaxPageSize = 1000

// ValidatePage checks history paging parameters. The offset page*size must
// fit in an int.
func ValidatePage(page, size int) error {
	v := &ValidationError{}
	switch {
	case size < 1:
		v.add("size", "must be at least 1")
	case size > MaxPageSize:
		v.add("size", "must be at most %d", MaxPageSize)
	}
	switch {
	case page < 0:
		v.add("page", "must be zero or greater")
	case size >= 1 && page > math.MaxInt/size:
		v.add("page", "is out of range")
	}
	return v.orNil()
}

// ParsePage parses raw page and size query values, falling back to the
// defaults when a value is absent, and validates the result.
func ParsePage(rawPage, rawSize string, defaultPage, defaultSize int) (int, int, error) {
	v := &ValidationError{}
	page, size := defaultPage, defaultSize
	if rawPage != "" {
		n, err := strconv.Atoi(rawPage)
		if err != nil {
			v.add("page", "must be an integer")
		}
		page = n
	}
	if rawSize != "" {
		n, err := strconv.Atoi(rawSize)
		if err != nil {
			v.add("size", "must be an integer")
		}
		size = n
	}
	if err := v.orNil(); err != nil {
		return 0, 0, err
	}
	if err := ValidatePage(page, size); err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

// ParseAmount parses a decimal string, reporting a malformed value as a field error.
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		v := &ValidationError{}
		v.add(field, "must be a decimal number")
		return decimal.Decimal{}, v
	}
	return d, nil
}

func checkScale(v *ValidationError, field string, d decimal.Decimal) {
	if !d.Equal(d.Round(moneyScale)) {
		v.add(field, "must have at most %d decimal places", moneyScale)
	}
}
