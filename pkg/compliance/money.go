package compliance

import (
	"fmt"
	"math"
)

// Monetary amounts cross into this package as float64 column values and are
// converted to integer pence exactly once, here. All limit arithmetic after
// that point is integer math, so classification boundaries are exact.

// ToMinor converts a major-unit amount (pounds) to pence, rounding to the
// nearest penny.
func ToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromMinor converts pence back to pounds for presentation.
func FromMinor(minor int64) float64 {
	return float64(minor) / 100
}

// FormatMinor renders pence as a fixed two-decimal string.
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
