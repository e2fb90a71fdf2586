// Package backsolve inverts the OPM allocation: given a target fair market
// value per share it searches for the enterprise value that produces it,
// either for a single scenario or for one unknown scenario inside a
// probability-weighted set.
package backsolve

import (
	"fmt"

	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/solver"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/precision"
	"github.com/shopspring/decimal"
)

// Service runs backsolves. It holds a logger and a precision model only, so
// a Service is normally built per request around that request's logger.
type Service struct {
	allocator *opm.Engine
	solver    *solver.Engine
	logger    trace.Logger
	prec      precision.Context
}

// NewService wires an allocation engine and a solver around logger.
func NewService(logger trace.Logger, prec precision.Context) *Service {
	logger = trace.OrNop(logger)
	return &Service{
		allocator: opm.NewEngine(option.NewPricer(logger), logger),
		solver:    solver.NewEngine(logger, prec),
		logger:    logger,
		prec:      prec,
	}
}

// Allocator exposes the allocation engine the service drives.
func (s *Service) Allocator() *opm.Engine {
	return s.allocator
}

// shape is everything of an allocation context except the enterprise value.
type shape struct {
	option      option.Params
	breakpoints []opm.Breakpoint
	totalShares float64
	classShares map[string]float64
}

func (sh shape) at(ev float64) opm.Context {
	return opm.Context{
		EnterpriseValue: ev,
		Option:          sh.option,
		Breakpoints:     sh.breakpoints,
		TotalShares:     sh.totalShares,
		ClassShares:     sh.classShares,
	}
}

// fmvAt allocates at ev and returns the class's value per share.
func (s *Service) fmvAt(sh shape, ev float64, securityClass string) (float64, *opm.Result, error) {
	allocation, err := s.allocator.Calculate(sh.at(ev))
	if err != nil {
		return 0, nil, err
	}
	return allocation.FMVPerShare(securityClass), allocation, nil
}

// objective is FMV(EV) for securityClass, carried across the decimal
// boundary of the solver.
func (s *Service) objective(sh shape, securityClass string) solver.Func {
	return func(ev decimal.Decimal) (decimal.Decimal, error) {
		fmv, _, err := s.fmvAt(sh, s.prec.Float(ev), securityClass)
		if err != nil {
			return decimal.Zero, err
		}
		return s.prec.FromFloat(fmv)
	}
}

// searchParams merges overrides onto the preset and seeds the initial guess
// and bounds from fmv when the caller left them unset. Guess and bounds are
// derived in the decimal domain.
func (s *Service) searchParams(useCase string, overrides *solver.Params, fmv, totalShares, minBreakpoint float64) (solver.Params, error) {
	params := solver.RecommendedParams(useCase).Merge(overrides)

	if params.InitialGuess == nil {
		target, err := s.prec.FromFloat(fmv)
		if err != nil {
			return params, fmt.Errorf("initial guess: %w", err)
		}
		shares, err := s.prec.FromFloat(totalShares)
		if err != nil {
			return params, fmt.Errorf("initial guess: %w", err)
		}
		guess := s.prec.Mul(s.prec.Mul(target, shares), factor(constants.InitialGuessMultiplier))
		params.InitialGuess = &guess
	}
	if params.Bounds == nil {
		floor, err := s.prec.FromFloat(minBreakpoint)
		if err != nil {
			return params, fmt.Errorf("lower bound: %w", err)
		}
		guess := *params.InitialGuess
		lower := decimal.Max(floor, s.prec.Mul(guess, factor(constants.LowerBoundFactor)))
		upper := s.prec.Mul(guess, factor(constants.UpperBoundFactor))
		if lower.GreaterThanOrEqual(upper) {
			upper = s.prec.Mul(lower, factor(constants.UpperBoundFactor))
		}
		params.Bounds = &solver.Bounds{Min: lower, Max: upper}
	}
	return params, nil
}

func factor(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func tolerance() decimal.Decimal {
	return decimal.NewFromFloat(constants.BacksolveTolerance)
}
