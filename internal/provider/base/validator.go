package base

import (
	"fmt"
	"strconv"
	"strings"

	"paygate/internal/domain/payment"
	"paygate/internal/provider"
)

// Digits returns the number of decimal places of a power-of-ten factor.
func Digits(factor int64) int {
	d := 0
	for f := factor; f > 1; f /= 10 {
		d++
	}
	return d
}

// ParseMinor parses a decimal major-unit string such as "50000.00" into
// minor units without going through floating point. Fractions longer than
// the factor allows are accepted only when the extra digits are zero.
func ParseMinor(s string, factor int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid amount format: empty")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("invalid amount format: %s", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("invalid amount format: %s", s)
	}

	digits := Digits(factor)
	if len(frac) > digits {
		if strings.Trim(frac[digits:], "0") != "" {
			return 0, fmt.Errorf("amount %s has more than %d decimals", s, digits)
		}
		frac = frac[:digits]
	}
	frac += strings.Repeat("0", digits-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount format: %s", s)
	}
	var f int64
	if frac != "" {
		if f, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return 0, fmt.Errorf("invalid amount format: %s", s)
		}
	}
	if w > (1<<63-1-f)/factor {
		return 0, fmt.Errorf("amount %s out of range", s)
	}
	return w*factor + f, nil
}

// FormatMinor renders minor units as a major-unit decimal string.
func FormatMinor(minor, factor int64) string {
	digits := Digits(factor)
	if digits == 0 {
		return strconv.FormatInt(minor, 10)
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%0*d", sign, minor/factor, digits, minor%factor)
}

// ValidateAmount validates payment amount
func ValidateAmount(amount payment.Money) error {
	if amount <= 0 {
		return &provider.ProviderError{
			Code:    provider.ErrInvalidAmount,
			Message: "amount must be greater than zero",
		}
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
