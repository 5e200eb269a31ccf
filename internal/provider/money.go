package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// zeroDecimal currencies have no minor unit.
var zeroDecimal = map[string]bool{"XOF": true, "XAF": true, "JPY": true, "KRW": true, "UGX": true, "RWF": true}

func exponent(currency string) int {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMinor converts a major-unit amount to minor units, rounding half away
// from zero.
func ToMinor(amount float64, currency string) int64 {
	return int64(math.Round(amount * math.Pow10(exponent(currency))))
}

// ParseMinor converts a decimal string such as "10.50" to minor units.
func ParseMinor(s, currency string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToMinor(f, currency), nil
}

// ToMajor converts minor units to major units.
func ToMajor(amount int64, currency string) float64 {
	return float64(amount) / math.Pow10(exponent(currency))
}

// FormatMajor renders minor units as a fixed-point decimal string.
func FormatMajor(amount int64, currency string) string {
	exp := exponent(currency)
	return strconv.FormatFloat(ToMajor(amount, currency), 'f', exp, 64)
}
