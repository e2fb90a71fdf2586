package config

import (
	"fmt"

	"github.com/iwvelando/opm-valuation/internal/backsolve"
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
)

// PriceParams returns the option inputs of price mode.
func (c *Configuration) PriceParams() option.Params {
	return c.Option.Params()
}

// AllocationContext builds the allocate-mode context.
func (c *Configuration) AllocationContext() opm.Context {
	return opm.Context{
		EnterpriseValue: c.Valuation.EnterpriseValue,
		Option:          c.Option.Params(),
		Breakpoints:     ToBreakpoints(c.CapTable.Breakpoints),
		TotalShares:     c.CapTable.TotalShares,
		ClassShares:     c.CapTable.ClassShares(),
	}
}

// BacksolveRequest builds the backsolve-mode request.
func (c *Configuration) BacksolveRequest() (backsolve.Request, error) {
	overrides, err := c.Solver.Params()
	if err != nil {
		return backsolve.Request{}, fmt.Errorf("invalid solver configuration: %w", err)
	}
	return backsolve.Request{
		TargetFMV:     c.Valuation.TargetFMV,
		SecurityClass: c.Valuation.SecurityClass,
		Option:        c.Option.Params(),
		Breakpoints:   ToBreakpoints(c.CapTable.Breakpoints),
		TotalShares:   c.CapTable.TotalShares,
		ClassShares:   c.CapTable.ClassShares(),
		Solver:        overrides,
	}, nil
}

// WeightedRequest builds the weighted-mode request.
func (c *Configuration) WeightedRequest() (backsolve.WeightedRequest, error) {
	overrides, err := c.Solver.Params()
	if err != nil {
		return backsolve.WeightedRequest{}, fmt.Errorf("invalid solver configuration: %w", err)
	}
	format, err := backsolve.ParseProbabilityFormat(c.Valuation.ProbabilityFormat)
	if err != nil {
		return backsolve.WeightedRequest{}, err
	}

	req := backsolve.WeightedRequest{
		TargetFMV:         c.Valuation.TargetFMV,
		SecurityClass:     c.Valuation.SecurityClass,
		ProbabilityFormat: format,
		Breakpoints:       ToBreakpoints(c.CapTable.Breakpoints),
		TotalShares:       c.CapTable.TotalShares,
		ClassShares:       c.CapTable.ClassShares(),
		Solver:            overrides,
	}
	for _, sc := range c.Valuation.Scenarios {
		params := c.Option.Params()
		if sc.Option != nil {
			params = sc.Option.Params()
		}
		req.Scenarios = append(req.Scenarios, backsolve.Scenario{
			Name:            sc.Name,
			Probability:     sc.Probability,
			Option:          params,
			EnterpriseValue: sc.EnterpriseValue,
			Unknown:         sc.Unknown,
			Breakpoints:     ToBreakpoints(sc.Breakpoints),
		})
	}
	return req, nil
}
