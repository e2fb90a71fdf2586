package solver

import "github.com/shopspring/decimal"

// Use-case names understood by RecommendedParams.
const (
	UseCaseOPMBacksolve      = "opm_backsolve"
	UseCasePWERMBacksolve    = "pwerm_backsolve"
	UseCaseImpliedVolatility = "implied_volatility"
	UseCaseGeneral           = "general"
)

// RecommendedParams returns the preset for a use case; unknown names get the
// general preset. Every call returns a fresh value.
func RecommendedParams(useCase string) Params {
	switch useCase {
	case UseCaseOPMBacksolve:
		return Params{
			Method:        MethodHybrid,
			MaxIterations: 100,
			Tolerance:     decimal.New(1, -2),
			MinStepSize:   decimal.NewFromInt(1_000),
			MaxStepSize:   decimal.NewFromInt(10_000_000),
			Direction:     DirectionIncreasing,
		}
	case UseCasePWERMBacksolve:
		p := RecommendedParams(UseCaseOPMBacksolve)
		p.MaxIterations = 150
		return p
	case UseCaseImpliedVolatility:
		return Params{
			Method:        MethodNewton,
			MaxIterations: 100,
			Tolerance:     decimal.New(1, -4),
			MinStepSize:   decimal.New(1, -6),
			MaxStepSize:   decimal.New(5, -1),
			Direction:     DirectionIncreasing,
		}
	default:
		return Params{
			Method:        MethodAuto,
			MaxIterations: 100,
			Tolerance:     decimal.New(1, -6),
		}
	}
}

// Merge overlays the non-zero fields of override onto p.
func (p Params) Merge(override *Params) Params {
	if override == nil {
		return p
	}
	if override.Method != "" {
		p.Method = override.Method
	}
	if override.InitialGuess != nil {
		guess := *override.InitialGuess
		p.InitialGuess = &guess
	}
	if override.Bounds != nil {
		bounds := *override.Bounds
		p.Bounds = &bounds
	}
	if override.MaxIterations > 0 {
		p.MaxIterations = override.MaxIterations
	}
	if override.Tolerance.IsPositive() {
		p.Tolerance = override.Tolerance
	}
	if override.MinStepSize.IsPositive() {
		p.MinStepSize = override.MinStepSize
	}
	if override.MaxStepSize.IsPositive() {
		p.MaxStepSize = override.MaxStepSize
	}
	if override.Direction != "" {
		p.Direction = override.Direction
	}
	if override.RecordTrace {
		p.RecordTrace = true
	}
	return p
}
