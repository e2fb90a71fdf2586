// Package opm allocates enterprise value across security classes with the
// option pricing method: every breakpoint of the cap table is priced as a
// call on the enterprise value and the tranche between consecutive strikes
// is split among the classes participating in it.
package opm

import (
	"fmt"
	"math"
	"sort"

	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine runs allocations. It holds no calculation state.
type Engine struct {
	pricer *option.Pricer
	logger trace.Logger
}

// NewEngine constructs an Engine. A nil pricer gets one sharing logger.
func NewEngine(pricer *option.Pricer, logger trace.Logger) *Engine {
	logger = trace.OrNop(logger)
	if pricer == nil {
		pricer = option.NewPricer(logger)
	}
	return &Engine{pricer: pricer, logger: logger}
}

// Validate checks a context before any pricing happens.
func (c Context) Validate() error {
	if len(c.Breakpoints) == 0 {
		return calcerr.Structural("allocation requires at least one breakpoint")
	}

	var err error
	if !(c.EnterpriseValue > 0) || !mathutil.IsFinite(c.EnterpriseValue) {
		err = multierr.Append(err, calcerr.NewRange("enterpriseValue", c.EnterpriseValue, "> 0"))
	}
	if !(c.TotalShares > 0) || !mathutil.IsFinite(c.TotalShares) {
		err = multierr.Append(err, calcerr.NewRange("totalShares", c.TotalShares, "> 0"))
	}
	params := c.Option
	params.CompanyValue = c.EnterpriseValue
	params.StrikePrice = 0
	if optErr := params.Validate(); optErr != nil {
		for _, e := range multierr.Errors(optErr) {
			// enterpriseValue is already reported above
			if re, ok := e.(*calcerr.RangeError); ok && re.Field == "companyValue" {
				continue
			}
			err = multierr.Append(err, e)
		}
	}
	for _, bp := range c.Breakpoints {
		if !(bp.Value >= 0) || !mathutil.IsFinite(bp.Value) {
			err = multierr.Append(err, calcerr.NewRange(fmt.Sprintf("breakpoints[%s].value", bp.ID), bp.Value, ">= 0"))
		}
		for _, a := range bp.Allocations {
			if a.SecurityClass == "" {
				err = multierr.Append(err, calcerr.Structural("breakpoint %s has an allocation without a security class", bp.ID))
			}
			if !(a.Ratio >= 0 && a.Ratio <= 1) {
				err = multierr.Append(err, calcerr.NewRange(
					fmt.Sprintf("breakpoints[%s].allocations[%s].ratio", bp.ID, a.SecurityClass), a.Ratio, "in [0, 1]"))
			}
		}
	}
	for class, shares := range c.ClassShares {
		if shares < 0 || !mathutil.IsFinite(shares) {
			err = multierr.Append(err, calcerr.NewRange(fmt.Sprintf("classShares[%s]", class), shares, ">= 0"))
		}
	}
	return err
}

// Calculate allocates ctx.EnterpriseValue across security classes.
//
// Breakpoints are priced in ascending threshold order. Walking up from the
// enterprise value, the drop in call value between consecutive strikes is
// the value lying between them; it belongs to the tranche opened by the
// lower breakpoint. The highest breakpoint keeps its whole call value and
// whatever lies below the lowest one is reported as UnallocatedValue.
func (e *Engine) Calculate(ctx Context) (*Result, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]Breakpoint, len(ctx.Breakpoints))
	copy(sorted, ctx.Breakpoints)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	result := &Result{
		EnterpriseValue: ctx.EnterpriseValue,
		Breakpoints:     make([]BreakpointActivity, len(sorted)),
	}

	previous := ctx.EnterpriseValue
	for i, bp := range sorted {
		strike := bp.Value
		if strike == 0 {
			strike = constants.ZeroStrikeEpsilon
		}
		params := ctx.Option
		params.CompanyValue = ctx.EnterpriseValue
		params.StrikePrice = strike
		priced, err := e.pricer.Price(params)
		if err != nil {
			return nil, fmt.Errorf("pricing breakpoint %s at strike %v: %w", bp.ID, strike, err)
		}

		captured := mathutil.FloorZero(previous - priced.CallValue)
		if i == 0 {
			result.UnallocatedValue = captured
		} else {
			result.Breakpoints[i-1].TrancheValue = captured
		}
		previous = priced.CallValue

		result.Breakpoints[i] = BreakpointActivity{
			ID:        bp.ID,
			Type:      bp.Type,
			Value:     bp.Value,
			Strike:    strike,
			CallValue: priced.CallValue,
		}
		e.logger.Step("breakpoint priced",
			zap.String("breakpoint", bp.ID),
			zap.Float64("strike", strike),
			zap.Float64("callValue", priced.CallValue),
			zap.Float64("captured", captured),
		)
	}
	result.Breakpoints[len(sorted)-1].TrancheValue = previous

	totals := make(map[string]float64)
	var order []string
	for i, bp := range sorted {
		activity := &result.Breakpoints[i]
		if !(activity.TrancheValue > 0) {
			continue
		}
		for _, a := range bp.Allocations {
			if a.Ratio == 0 {
				continue
			}
			if _, seen := totals[a.SecurityClass]; !seen {
				order = append(order, a.SecurityClass)
			}
			totals[a.SecurityClass] += activity.TrancheValue * a.Ratio
			activity.Active = true
		}
	}

	classShares := ctx.ClassShares
	if len(classShares) == 0 {
		classShares = ClassSharesFromBreakpoints(ctx.Breakpoints, ctx.TotalShares)
	}

	for _, class := range order {
		value := totals[class]
		result.TotalValueDistributed += value
		shares := classShares[class]
		allocation := ClassAllocation{SecurityClass: class, Shares: shares, TotalValue: value}
		if shares > 0 {
			allocation.ValuePerShare = value / shares
		} else if value > 0 {
			result.ValidationErrors = append(result.ValidationErrors,
				fmt.Sprintf("security class %s received %.2f but has no share count", class, value))
		}
		result.Classes = append(result.Classes, allocation)
	}
	for i := range result.Classes {
		result.Classes[i].PercentOfTotal = mathutil.CalculatePercentage(result.Classes[i].TotalValue, result.TotalValueDistributed)
	}
	sort.Slice(result.Classes, func(i, j int) bool {
		if result.Classes[i].TotalValue != result.Classes[j].TotalValue {
			return result.Classes[i].TotalValue > result.Classes[j].TotalValue
		}
		return result.Classes[i].SecurityClass < result.Classes[j].SecurityClass
	})

	result.ValidationErrors = append(result.ValidationErrors, validateResult(result)...)
	result.Valid = len(result.ValidationErrors) == 0
	if !result.Valid {
		e.logger.Warn("allocation failed validation",
			zap.Float64("enterpriseValue", ctx.EnterpriseValue),
			zap.Strings("errors", result.ValidationErrors),
		)
	}

	e.logger.Step("allocation complete",
		zap.Float64("enterpriseValue", ctx.EnterpriseValue),
		zap.Float64("distributed", result.TotalValueDistributed),
		zap.Int("classes", len(result.Classes)),
		zap.Bool("valid", result.Valid),
	)
	return result, nil
}

func validateResult(r *Result) []string {
	var problems []string
	if math.IsNaN(r.TotalValueDistributed) {
		problems = append(problems, "total value distributed is NaN")
	} else if r.TotalValueDistributed > r.EnterpriseValue*(1+constants.ConservationTolerance) {
		problems = append(problems, fmt.Sprintf("total value distributed %.2f exceeds enterprise value %.2f by more than 1%%",
			r.TotalValueDistributed, r.EnterpriseValue))
	}
	for _, c := range r.Classes {
		switch {
		case math.IsNaN(c.TotalValue) || math.IsNaN(c.ValuePerShare):
			problems = append(problems, fmt.Sprintf("security class %s has a NaN value", c.SecurityClass))
		case c.TotalValue < 0:
			problems = append(problems, fmt.Sprintf("security class %s has negative value %.2f", c.SecurityClass, c.TotalValue))
		case c.ValuePerShare < 0:
			problems = append(problems, fmt.Sprintf("security class %s has negative value per share %.4f", c.SecurityClass, c.ValuePerShare))
		}
	}
	return problems
}

// ClassSharesFromBreakpoints derives a class to share count mapping from the
// Shares bookkeeping on breakpoint allocations, taking the largest figure
// seen for each class. A class that never records shares is assumed to hold
// totalShares scaled by its largest participation ratio.
func ClassSharesFromBreakpoints(breakpoints []Breakpoint, totalShares float64) map[string]float64 {
	shares := make(map[string]float64)
	ratios := make(map[string]float64)
	for _, bp := range breakpoints {
		for _, a := range bp.Allocations {
			if a.Shares > shares[a.SecurityClass] {
				shares[a.SecurityClass] = a.Shares
			}
			if a.Ratio > ratios[a.SecurityClass] {
				ratios[a.SecurityClass] = a.Ratio
			}
		}
	}
	for class, ratio := range ratios {
		if shares[class] == 0 {
			shares[class] = totalShares * ratio
		}
	}
	return shares
}
