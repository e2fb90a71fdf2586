package validation

import (
	"fmt"

	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
)

// ValidateParticipation warns when a breakpoint's participation ratios do not
// sum to one. Ratios are decimals; a sum near 100 usually means percentages
// were supplied.
func ValidateParticipation(breakpointID string, ratios []float64) string {
	if len(ratios) == 0 {
		return fmt.Sprintf("Breakpoint '%s' has no participating security classes - its tranche will not be allocated", breakpointID)
	}
	sum := 0.0
	for _, r := range ratios {
		sum += r
	}
	if mathutil.WithinTolerance(sum, constants.PercentageMultiplier, constants.ProbabilitySumTolerance) {
		return fmt.Sprintf("Breakpoint '%s' participation ratios sum to %g - ratios must be decimals, not percentages", breakpointID, sum)
	}
	if !mathutil.WithinTolerance(sum, 1, constants.ProbabilitySumTolerance) {
		return fmt.Sprintf("Breakpoint '%s' participation ratios sum to %g rather than 1", breakpointID, sum)
	}
	return ""
}

// ValidateClassShares warns about participating classes without a positive
// share count.
func ValidateClassShares(participating []string, classShares map[string]float64) []string {
	var warnings []string
	seen := make(map[string]bool)
	for _, class := range participating {
		if seen[class] {
			continue
		}
		seen[class] = true
		if classShares[class] <= 0 {
			warnings = append(warnings, fmt.Sprintf("Security class '%s' participates in breakpoints but has no share count", class))
		}
	}
	return warnings
}

// ValidateOptionInputs warns about legal but unusual option inputs.
func ValidateOptionInputs(volatility, timeToExpiration float64) []string {
	var warnings []string
	if volatility > constants.VolatilityWarningThreshold {
		warnings = append(warnings, fmt.Sprintf("Volatility %g exceeds %g - check that it is not a percentage",
			volatility, constants.VolatilityWarningThreshold))
	}
	if timeToExpiration > constants.TermWarningThreshold {
		warnings = append(warnings, fmt.Sprintf("Time to expiration %g years exceeds %g years",
			timeToExpiration, constants.TermWarningThreshold))
	}
	return warnings
}
