package search

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidPrice = errors.New("invalid price")

// DecimalRule says which separator marks decimals in a vendor price string.
type DecimalRule string

const (
	DecimalAuto   DecimalRule = "auto"
	DecimalComma  DecimalRule = "comma"
	DecimalPeriod DecimalRule = "period"
)

func ParseDecimalRule(value string) (DecimalRule, error) {
	switch rule := DecimalRule(strings.ToLower(strings.TrimSpace(value))); rule {
	case "":
		return DecimalAuto, nil
	case DecimalAuto, DecimalComma, DecimalPeriod:
		return rule, nil
	default:
		return "", fmt.Errorf("unknown price decimal rule %q (want auto, comma or period)", value)
	}
}

// ParsePrice turns a display price such as "€1.234,56" or "$19.99" into a
// number rounded to cents.
func ParsePrice(text string, rule DecimalRule) (float64, error) {
	digits := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			return r
		}
		return -1
	}, text)
	if strings.IndexFunc(digits, func(r rune) bool { return r >= '0' && r <= '9' }) < 0 {
		return 0, fmt.Errorf("%w: no digits in %q", ErrInvalidPrice, text)
	}

	var canonical string
	var err error
	switch rule {
	case DecimalComma:
		canonical, err = withDecimal(digits, ',', '.')
	case DecimalPeriod:
		canonical, err = withDecimal(digits, '.', ',')
	case DecimalAuto, "":
		canonical, err = guessDecimal(digits)
	default:
		return 0, fmt.Errorf("%w: unknown rule %q", ErrInvalidPrice, rule)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, text, err)
	}

	value, err := strconv.ParseFloat(canonical, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, text)
	}
	return math.Round(value*100) / 100, nil
}

func withDecimal(s string, decimal, thousands byte) (string, error) {
	s = strings.ReplaceAll(s, string(thousands), "")
	if strings.Count(s, string(decimal)) > 1 {
		return "", errors.New("repeated decimal separator")
	}
	return strings.Replace(s, string(decimal), ".", 1), nil
}

func guessDecimal(s string) (string, error) {
	lastComma := strings.LastIndexByte(s, ',')
	lastPeriod := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastPeriod >= 0:
		if lastComma > lastPeriod {
			return withDecimal(s, ',', '.')
		}
		return withDecimal(s, '.', ',')
	case lastComma < 0 && lastPeriod < 0:
		return s, nil
	}

	sep := byte('.')
	idx := lastPeriod
	if lastComma >= 0 {
		sep, idx = ',', lastComma
	}
	if strings.Count(s, string(sep)) > 1 || len(s)-idx-1 == 3 {
		return strings.ReplaceAll(s, string(sep), ""), nil
	}
	return strings.Replace(s, string(sep), ".", 1), nil
}
