package backsolve

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/solver"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProbabilityFormat declares how scenario probabilities are expressed.
type ProbabilityFormat string

const (
	ProbabilityDecimal    ProbabilityFormat = "decimal"    // 0 to 1
	ProbabilityPercentage ProbabilityFormat = "percentage" // 0 to 100
)

// ParseProbabilityFormat maps a configuration string onto a ProbabilityFormat.
// Empty means decimal.
func ParseProbabilityFormat(value string) (ProbabilityFormat, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "decimal", "fraction":
		return ProbabilityDecimal, nil
	case "percentage", "percent":
		return ProbabilityPercentage, nil
	default:
		return "", calcerr.Structural("unsupported probability format %q", value)
	}
}

func (f ProbabilityFormat) total() float64 {
	if f == ProbabilityPercentage {
		return constants.PercentageMultiplier
	}
	return 1
}

// Scenario is one exit outcome of a weighted backsolve. Exactly one scenario
// of a request is Unknown; every other one carries a fixed EnterpriseValue.
type Scenario struct {
	Name            string        `json:"name"`
	Probability     float64       `json:"probability"`
	Option          option.Params `json:"option"`
	EnterpriseValue float64       `json:"enterpriseValue,omitempty"`
	Unknown         bool          `json:"unknown,omitempty"`
	// Breakpoints replaces the request's breakpoints for this scenario.
	Breakpoints []opm.Breakpoint `json:"breakpoints,omitempty"`
}

// WeightedRequest asks for the enterprise value of the unknown scenario at
// which the probability-weighted FMV of SecurityClass equals TargetFMV.
type WeightedRequest struct {
	TargetFMV         float64            `json:"targetFmv"`
	SecurityClass     string             `json:"securityClass"`
	Scenarios         []Scenario         `json:"scenarios"`
	ProbabilityFormat ProbabilityFormat  `json:"probabilityFormat,omitempty"`
	Breakpoints       []opm.Breakpoint   `json:"breakpoints"`
	TotalShares       float64            `json:"totalShares"`
	ClassShares       map[string]float64 `json:"classShares,omitempty"`
	// Solver overrides fields of the pwerm_backsolve preset.
	Solver *solver.Params `json:"solver,omitempty"`
}

// ScenarioResult is one scenario re-allocated at its final enterprise value.
type ScenarioResult struct {
	Name                 string      `json:"name"`
	Probability          float64     `json:"probability"` // decimal form
	EnterpriseValue      float64     `json:"enterpriseValue"`
	Unknown              bool        `json:"unknown"`
	FMVPerShare          float64     `json:"fmvPerShare"`
	WeightedContribution float64     `json:"weightedContribution"`
	Allocation           *opm.Result `json:"allocation"`
}

// WeightedResult is the outcome of a weighted backsolve.
type WeightedResult struct {
	Success           bool             `json:"success"`
	EnterpriseValue   decimal.Decimal  `json:"enterpriseValue"`
	UnknownScenario   string           `json:"unknownScenario"`
	TargetFMV         float64          `json:"targetFmv"`
	RequiredFMV       float64          `json:"requiredFmv"`
	FixedWeightedSum  float64          `json:"fixedWeightedSum"`
	ActualWeightedFMV float64          `json:"actualWeightedFmv"`
	Scenarios         []ScenarioResult `json:"scenarios,omitempty"`
	Converged         bool             `json:"converged"`
	Iterations        int              `json:"iterations"`
	Method            solver.Method    `json:"method"`
	Explanation       string           `json:"explanation"`
	// Residual is |actual weighted FMV - target|, +Inf when solving failed.
	Residual    float64            `json:"residual"`
	Performance solver.Performance `json:"performance"`
	Trace       []solver.Iteration `json:"trace,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// MarshalJSON writes a non-finite residual as null.
func (r WeightedResult) MarshalJSON() ([]byte, error) {
	type plain WeightedResult
	return json.Marshal(struct {
		plain
		Residual *float64 `json:"residual"`
	}{plain: plain(r), Residual: finite(r.Residual)})
}

// Validate checks the request shape before any numeric work.
func (req WeightedRequest) Validate() error {
	if !(req.TargetFMV > 0) || !mathutil.IsFinite(req.TargetFMV) {
		return calcerr.NewRange("targetFmv", req.TargetFMV, "> 0")
	}
	if req.SecurityClass == "" {
		return calcerr.Structural("weighted backsolve requires a security class")
	}
	if len(req.Scenarios) < 2 {
		return calcerr.Structural("weighted backsolve requires at least 2 scenarios, got %d", len(req.Scenarios))
	}
	if !(req.TotalShares > 0) {
		return calcerr.NewRange("totalShares", req.TotalShares, "> 0")
	}
	switch req.ProbabilityFormat {
	case "", ProbabilityDecimal, ProbabilityPercentage:
	default:
		return calcerr.Structural("unsupported probability format %q", req.ProbabilityFormat)
	}

	unknown := 0
	sum := 0.0
	limit := req.ProbabilityFormat.total()
	for i, sc := range req.Scenarios {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if !(sc.Probability >= 0 && sc.Probability <= limit) {
			return calcerr.NewRange(fmt.Sprintf("scenarios[%s].probability", name), sc.Probability, fmt.Sprintf("in [0, %g]", limit))
		}
		sum += sc.Probability

		breakpoints := req.breakpointsFor(sc)
		if len(breakpoints) == 0 {
			return calcerr.Structural("scenario %s has no breakpoints", name)
		}
		ev := sc.EnterpriseValue
		if sc.Unknown {
			unknown++
			if sc.Probability == 0 {
				return calcerr.Infeasible("unknown scenario %s has zero probability", name)
			}
			if !opm.HasClass(breakpoints, req.SecurityClass) {
				return calcerr.Structural("security class %q does not participate in scenario %s", req.SecurityClass, name)
			}
			// placeholder; the solver supplies the real value
			ev = 1
		} else if !(sc.EnterpriseValue > 0) || !mathutil.IsFinite(sc.EnterpriseValue) {
			return calcerr.NewRange(fmt.Sprintf("scenarios[%s].enterpriseValue", name), sc.EnterpriseValue, "> 0")
		}
		if err := req.shapeFor(sc).at(ev).Validate(); err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
	}
	if unknown != 1 {
		return calcerr.Structural("exactly one scenario must be unknown, got %d", unknown)
	}
	if !mathutil.WithinTolerance(sum, limit, constants.ProbabilitySumTolerance) {
		return calcerr.Structural("scenario probabilities sum to %g, expected %g", sum, limit)
	}
	if req.Solver != nil {
		if err := req.Solver.Validate(); err != nil {
			return fmt.Errorf("solver overrides: %w", err)
		}
	}
	return nil
}

func (req WeightedRequest) breakpointsFor(sc Scenario) []opm.Breakpoint {
	if len(sc.Breakpoints) > 0 {
		return sc.Breakpoints
	}
	return req.Breakpoints
}

func (req WeightedRequest) shapeFor(sc Scenario) shape {
	return shape{
		option:      sc.Option,
		breakpoints: req.breakpointsFor(sc),
		totalShares: req.TotalShares,
		classShares: req.ClassShares,
	}
}

func (req WeightedRequest) probability(sc Scenario) float64 {
	if req.ProbabilityFormat == ProbabilityPercentage {
		return mathutil.FromPercentage(sc.Probability)
	}
	return sc.Probability
}

// BacksolveWeighted solves sum(p_i * FMV_i) = TargetFMV for the enterprise
// value of the unknown scenario. Malformed or infeasible requests return an
// error before optimization starts; optimization failures are encoded in the
// result.
func (s *Service) BacksolveWeighted(ctx context.Context, req WeightedRequest) (*WeightedResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		unknown          Scenario
		fixedWeightedSum float64
		fixed            = make(map[int]ScenarioResult)
	)
	for i, sc := range req.Scenarios {
		if sc.Unknown {
			unknown = sc
			continue
		}
		p := req.probability(sc)
		fmv, allocation, err := s.fmvAt(req.shapeFor(sc), sc.EnterpriseValue, req.SecurityClass)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		fixedWeightedSum += p * fmv
		fixed[i] = ScenarioResult{
			Name:                 sc.Name,
			Probability:          p,
			EnterpriseValue:      sc.EnterpriseValue,
			FMVPerShare:          fmv,
			WeightedContribution: p * fmv,
			Allocation:           allocation,
		}
		s.logger.Step("fixed scenario allocated",
			zap.String("scenario", sc.Name),
			zap.Float64("probability", p),
			zap.Float64("fmvPerShare", fmv),
		)
	}

	pUnknown := req.probability(unknown)
	requiredFMV := (req.TargetFMV - fixedWeightedSum) / pUnknown
	if !(requiredFMV > 0) {
		return nil, calcerr.Infeasible(
			"fixed scenarios already contribute %.4f per share against a target of %.4f; scenario %s would need a non-positive FMV",
			fixedWeightedSum, req.TargetFMV, unknown.Name)
	}

	result := &WeightedResult{
		UnknownScenario:  unknown.Name,
		TargetFMV:        req.TargetFMV,
		RequiredFMV:      requiredFMV,
		FixedWeightedSum: fixedWeightedSum,
	}
	fail := func(err error) (*WeightedResult, error) {
		result.Success = false
		result.Converged = false
		result.Method = solver.MethodFailed
		result.Residual = math.Inf(1)
		result.Error = err.Error()
		result.Errors = append(result.Errors, err.Error())
		s.logger.Error("weighted backsolve failed", zap.String("scenario", unknown.Name), zap.Error(err))
		return result, nil
	}

	sh := req.shapeFor(unknown)
	params, err := s.searchParams(solver.UseCasePWERMBacksolve, req.Solver, requiredFMV, req.TotalShares, opm.MinValue(sh.breakpoints))
	if err != nil {
		return fail(err)
	}
	target, err := s.prec.FromFloat(requiredFMV)
	if err != nil {
		return fail(err)
	}

	s.logger.Info("weighted backsolve started",
		zap.String("scenario", unknown.Name),
		zap.Float64("requiredFmv", requiredFMV),
		zap.Float64("fixedWeightedSum", fixedWeightedSum),
		zap.String("initialGuess", params.InitialGuess.String()),
	)

	solved, err := s.solver.Optimize(ctx, s.objective(sh, req.SecurityClass), target, params, nil)
	if err != nil {
		return fail(fmt.Errorf("solver: %w", err))
	}
	result.EnterpriseValue = solved.Solution
	result.Converged = solved.Converged
	result.Iterations = solved.Iterations
	result.Method = solved.Method
	result.Explanation = solved.Explanation
	result.Performance = solved.Performance
	result.Trace = solved.Trace
	result.Warnings = append(result.Warnings, solved.Warnings...)

	allValid := true
	for i, sc := range req.Scenarios {
		sr, ok := fixed[i]
		if !ok {
			ev := s.prec.Float(solved.Solution)
			fmv, allocation, err := s.fmvAt(sh, ev, req.SecurityClass)
			if err != nil {
				return fail(fmt.Errorf("scenario %s at solution: %w", sc.Name, err))
			}
			sr = ScenarioResult{
				Name:                 sc.Name,
				Probability:          pUnknown,
				EnterpriseValue:      ev,
				Unknown:              true,
				FMVPerShare:          fmv,
				WeightedContribution: pUnknown * fmv,
				Allocation:           allocation,
			}
		}
		if !sr.Allocation.Valid {
			allValid = false
			for _, msg := range sr.Allocation.ValidationErrors {
				result.Errors = append(result.Errors, fmt.Sprintf("scenario %s: %s", sc.Name, msg))
			}
		}
		result.ActualWeightedFMV += sr.WeightedContribution
		result.Scenarios = append(result.Scenarios, sr)
	}

	result.Residual = math.Abs(result.ActualWeightedFMV - req.TargetFMV)
	if solved.Converged && result.Residual > constants.BacksolveTolerance {
		msg := fmt.Sprintf("weighted FMV %.4f misses target %.4f by more than %.2f",
			result.ActualWeightedFMV, req.TargetFMV, constants.BacksolveTolerance)
		result.Warnings = append(result.Warnings, msg)
		s.logger.Warn(msg)
	}

	result.Success = solved.Converged && allValid
	s.logger.Info("weighted backsolve finished",
		zap.Bool("success", result.Success),
		zap.String("enterpriseValue", result.EnterpriseValue.String()),
		zap.Float64("actualWeightedFmv", result.ActualWeightedFMV),
		zap.Int("iterations", result.Iterations),
	)
	return result, nil
}
