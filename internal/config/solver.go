package config

import (
	"strings"

	"github.com/iwvelando/opm-valuation/internal/solver"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/shopspring/decimal"
)

// SolverConfig overrides fields of the solver preset a backsolve starts from.
// Zero values leave the preset untouched.
type SolverConfig struct {
	Method        string   `yaml:"method,omitempty" mapstructure:"method"`
	InitialGuess  *float64 `yaml:"initialGuess,omitempty" mapstructure:"initialGuess"`
	LowerBound    *float64 `yaml:"lowerBound,omitempty" mapstructure:"lowerBound"`
	UpperBound    *float64 `yaml:"upperBound,omitempty" mapstructure:"upperBound"`
	MaxIterations int      `yaml:"maxIterations,omitempty" mapstructure:"maxIterations"`
	Tolerance     float64  `yaml:"tolerance,omitempty" mapstructure:"tolerance"`
	MinStepSize   float64  `yaml:"minStepSize,omitempty" mapstructure:"minStepSize"`
	MaxStepSize   float64  `yaml:"maxStepSize,omitempty" mapstructure:"maxStepSize"`
	Direction     string   `yaml:"direction,omitempty" mapstructure:"direction"`
	RecordTrace   bool     `yaml:"recordTrace,omitempty" mapstructure:"recordTrace"`
}

// Normalize canonicalizes the string fields.
func (s *SolverConfig) Normalize() {
	if s == nil {
		return
	}
	s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	s.Direction = strings.ToLower(strings.TrimSpace(s.Direction))
}

// Validate returns an error when the solver configuration is unsupported.
func (s *SolverConfig) Validate() error {
	if s == nil {
		return nil
	}

	s.Normalize()

	if s.Method != "" {
		if _, err := solver.ParseMethod(s.Method); err != nil {
			return err
		}
	}
	if _, err := solver.ParseDirection(s.Direction); err != nil {
		return err
	}
	if (s.LowerBound == nil) != (s.UpperBound == nil) {
		return calcerr.Structural("solver bounds require both lowerBound and upperBound")
	}
	if s.LowerBound != nil && *s.LowerBound >= *s.UpperBound {
		return calcerr.Structural("solver lowerBound %.2f must be less than upperBound %.2f", *s.LowerBound, *s.UpperBound)
	}
	if s.MaxIterations < 0 {
		return calcerr.Structural("solver maxIterations %d must not be negative", s.MaxIterations)
	}
	if s.Tolerance < 0 || s.MinStepSize < 0 || s.MaxStepSize < 0 {
		return calcerr.Structural("solver tolerance and step sizes must not be negative")
	}
	if s.MaxStepSize > 0 && s.MinStepSize > s.MaxStepSize {
		return calcerr.Structural("solver minStepSize %.2f exceeds maxStepSize %.2f", s.MinStepSize, s.MaxStepSize)
	}
	return nil
}

// Params converts the overrides for solver.Params.Merge. A nil config yields
// nil overrides.
func (s *SolverConfig) Params() (*solver.Params, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	params := &solver.Params{
		MaxIterations: s.MaxIterations,
		Tolerance:     decimal.NewFromFloat(s.Tolerance),
		MinStepSize:   decimal.NewFromFloat(s.MinStepSize),
		MaxStepSize:   decimal.NewFromFloat(s.MaxStepSize),
		RecordTrace:   s.RecordTrace,
	}
	if s.Method != "" {
		method, _ := solver.ParseMethod(s.Method)
		params.Method = method
	}
	params.Direction, _ = solver.ParseDirection(s.Direction)
	if s.InitialGuess != nil {
		guess := decimal.NewFromFloat(*s.InitialGuess)
		params.InitialGuess = &guess
	}
	if s.LowerBound != nil {
		params.Bounds = &solver.Bounds{
			Min: decimal.NewFromFloat(*s.LowerBound),
			Max: decimal.NewFromFloat(*s.UpperBound),
		}
	}
	return params, nil
}
