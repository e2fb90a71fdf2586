package config

import (
	"fmt"

	"github.com/iwvelando/opm-valuation/pkg/validation"
)

// ValidateConfiguration performs general validation of the configuration and
// returns warnings. Hard errors are left to the engines.
func (c *Configuration) ValidateConfiguration() []string {
	var warnings []string

	warnings = append(warnings, validation.ValidateOptionInputs(c.Option.Volatility, c.Option.TimeToExpiration)...)
	for _, sc := range c.Valuation.Scenarios {
		if sc.Option != nil {
			for _, w := range validation.ValidateOptionInputs(sc.Option.Volatility, sc.Option.TimeToExpiration) {
				warnings = append(warnings, fmt.Sprintf("Scenario '%s': %s", sc.Name, w))
			}
		}
	}

	if c.Mode == ModePrice {
		return warnings
	}

	var participating []string
	check := func(breakpoints []BreakpointConfig) {
		for i, bp := range breakpoints {
			ratios := make([]float64, 0, len(bp.Allocations))
			for _, a := range bp.Allocations {
				ratios = append(ratios, a.Ratio)
				participating = append(participating, a.SecurityClass)
			}
			if w := validation.ValidateParticipation(bp.id(i), ratios); w != "" {
				warnings = append(warnings, w)
			}
		}
	}
	check(c.CapTable.Breakpoints)
	for _, sc := range c.Valuation.Scenarios {
		check(sc.Breakpoints)
	}

	if shares := c.CapTable.ClassShares(); shares != nil {
		warnings = append(warnings, validation.ValidateClassShares(participating, shares)...)
	} else if len(participating) > 0 {
		warnings = append(warnings, "No security classes configured - share counts will be derived from breakpoint allocations")
	}

	if c.Solver != nil {
		if err := c.Solver.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("Solver configuration is invalid: %v", err))
		}
	}
	return warnings
}
