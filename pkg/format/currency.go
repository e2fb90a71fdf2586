// Package format renders valuation amounts for human-readable output.
package format

import (
	"fmt"
	"math"
	"strings"

	"github.com/iwvelando/opm-valuation/pkg/mathutil"
)

// Currency returns a dollar amount with thousands separators (e.g., "-$1,234.56").
func Currency(amount float64) string {
	return signed(amount, "$", 2)
}

// PerShare returns a per-share dollar amount to four decimals (e.g., "$0.4321").
func PerShare(amount float64) string {
	return signed(amount, "$", 4)
}

// Shares returns a share count with separators and no decimals.
func Shares(count float64) string {
	return signed(count, "", 0)
}

// Percent renders a percentage value (already scaled to 0-100) to two decimals.
func Percent(value float64) string {
	return fmt.Sprintf("%.2f%%", value)
}

func signed(amount float64, symbol string, decimals int) string {
	if !mathutil.IsFinite(amount) {
		return fmt.Sprintf("%v", amount)
	}
	formatted := group(math.Abs(amount), decimals)
	if amount < 0 && strings.Trim(formatted, "0.,") != "" {
		return "-" + symbol + formatted
	}
	return symbol + formatted
}

func group(value float64, decimals int) string {
	formatted := fmt.Sprintf("%.*f", decimals, value)
	parts := strings.SplitN(formatted, ".", 2)
	intPart := parts[0]

	if len(intPart) > 3 {
		var builder strings.Builder
		for i, digit := range intPart {
			if i > 0 && (len(intPart)-i)%3 == 0 {
				builder.WriteByte(',')
			}
			builder.WriteRune(digit)
		}
		intPart = builder.String()
	}

	if len(parts) == 2 {
		return intPart + "." + parts[1]
	}
	return intPart
}
