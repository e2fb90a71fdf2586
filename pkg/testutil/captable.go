// Package testutil provides cap-table fixtures shared by package tests.
package testutil

import (
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
)

// Share counts of the SeriesA fixture.
const (
	SeriesAPreferredShares = 2_000_000
	SeriesACommonShares    = 8_000_000
	SeriesATotalShares     = SeriesAPreferredShares + SeriesACommonShares
)

// OptionParams returns typical OPM inputs: three years to exit, 50%
// volatility, 4% risk-free rate. CompanyValue is left to the caller.
func OptionParams() option.Params {
	return option.Params{
		TimeToExpiration: 3,
		Volatility:       0.5,
		RiskFreeRate:     0.04,
	}
}

// SingleCommon is one zero-strike breakpoint fully allocated to "common".
func SingleCommon() []opm.Breakpoint {
	return []opm.Breakpoint{{
		ID:          "bp-common",
		Value:       0,
		Type:        opm.BreakpointProRata,
		Allocations: []opm.Participation{{SecurityClass: "common", Ratio: 1}},
	}}
}

// SeriesA is a non-participating preferred with a $5M liquidation
// preference converting at $25M, and an option pool exercising at $10M.
// Each breakpoint's ratios sum to 1.
func SeriesA() []opm.Breakpoint {
	return []opm.Breakpoint{
		{
			ID:    "bp-pref",
			Value: 0,
			Type:  opm.BreakpointLiquidationPreference,
			Allocations: []opm.Participation{
				{SecurityClass: "preferred", Ratio: 1, Shares: SeriesAPreferredShares},
			},
		},
		{
			ID:    "bp-common",
			Value: 5_000_000,
			Type:  opm.BreakpointProRata,
			Allocations: []opm.Participation{
				{SecurityClass: "common", Ratio: 1, Shares: 7_000_000},
			},
		},
		{
			ID:    "bp-options",
			Value: 10_000_000,
			Type:  opm.BreakpointOptionExercise,
			Allocations: []opm.Participation{
				{SecurityClass: "common", Ratio: 1, Shares: SeriesACommonShares},
			},
		},
		{
			ID:    "bp-convert",
			Value: 25_000_000,
			Type:  opm.BreakpointConversion,
			Allocations: []opm.Participation{
				{SecurityClass: "preferred", Ratio: 0.2, Shares: SeriesAPreferredShares},
				{SecurityClass: "common", Ratio: 0.8, Shares: SeriesACommonShares},
			},
		},
	}
}

// SeriesAClassShares is the class share mapping of the SeriesA fixture.
func SeriesAClassShares() map[string]float64 {
	return map[string]float64{
		"preferred": SeriesAPreferredShares,
		"common":    SeriesACommonShares,
	}
}

// Reversed returns a copy of breakpoints in reverse order.
func Reversed(breakpoints []opm.Breakpoint) []opm.Breakpoint {
	out := make([]opm.Breakpoint, len(breakpoints))
	for i, bp := range breakpoints {
		out[len(breakpoints)-1-i] = bp
	}
	return out
}
