package backsolve

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/solver"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request asks for the enterprise value at which SecurityClass is worth
// TargetFMV per share.
type Request struct {
	TargetFMV     float64            `json:"targetFmv"`
	SecurityClass string             `json:"securityClass"`
	Option        option.Params      `json:"option"`
	Breakpoints   []opm.Breakpoint   `json:"breakpoints"`
	TotalShares   float64            `json:"totalShares"`
	ClassShares   map[string]float64 `json:"classShares,omitempty"`
	// Solver overrides fields of the opm_backsolve preset.
	Solver *solver.Params `json:"solver,omitempty"`
}

// Result is the outcome of a single backsolve. Failures are encoded here,
// never returned as errors.
type Result struct {
	Success         bool            `json:"success"`
	EnterpriseValue decimal.Decimal `json:"enterpriseValue"`
	TargetFMV       float64         `json:"targetFmv"`
	AchievedFMV     float64         `json:"achievedFmv"`
	SecurityClass   string          `json:"securityClass"`
	Converged       bool            `json:"converged"`
	Iterations      int             `json:"iterations"`
	Method          solver.Method   `json:"method"`
	Explanation     string          `json:"explanation"`
	// Residual is |FMV - target| at the solution, +Inf when solving failed.
	Residual     float64              `json:"residual"`
	Allocation   *opm.Result          `json:"allocation,omitempty"`
	Verification *solver.Verification `json:"verification,omitempty"`
	Performance  solver.Performance   `json:"performance"`
	Trace        []solver.Iteration   `json:"trace,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
	Errors       []string             `json:"errors,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// MarshalJSON writes a non-finite residual as null.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Residual *float64 `json:"residual"`
	}{plain: plain(r), Residual: finite(r.Residual)})
}

func finite(v float64) *float64 {
	if !mathutil.IsFinite(v) {
		return nil
	}
	return &v
}

func (req Request) validate() error {
	if !(req.TargetFMV > 0) || !mathutil.IsFinite(req.TargetFMV) {
		return calcerr.NewRange("targetFmv", req.TargetFMV, "> 0")
	}
	if len(req.Breakpoints) == 0 {
		return calcerr.Structural("backsolve requires at least one breakpoint")
	}
	if req.SecurityClass == "" {
		return calcerr.Structural("backsolve requires a security class")
	}
	if !opm.HasClass(req.Breakpoints, req.SecurityClass) {
		return calcerr.Structural("security class %q does not participate in any breakpoint", req.SecurityClass)
	}
	if !(req.TotalShares > 0) {
		return calcerr.NewRange("totalShares", req.TotalShares, "> 0")
	}
	if req.Solver != nil {
		if err := req.Solver.Validate(); err != nil {
			return fmt.Errorf("solver overrides: %w", err)
		}
	}
	return nil
}

// Backsolve finds the enterprise value at which the requested class is worth
// the target FMV per share. It never returns an error: validation and
// evaluation failures produce a Result with Success false, Method "failed"
// and an infinite residual.
func (s *Service) Backsolve(ctx context.Context, req Request) *Result {
	result := &Result{TargetFMV: req.TargetFMV, SecurityClass: req.SecurityClass}
	fail := func(err error) *Result {
		result.Success = false
		result.Converged = false
		result.Method = solver.MethodFailed
		result.Residual = math.Inf(1)
		result.Error = err.Error()
		result.Errors = append(result.Errors, err.Error())
		s.logger.Error("backsolve failed",
			zap.String("securityClass", req.SecurityClass),
			zap.Float64("targetFmv", req.TargetFMV),
			zap.Error(err),
		)
		return result
	}

	if err := req.validate(); err != nil {
		return fail(err)
	}

	sh := shape{
		option:      req.Option,
		breakpoints: req.Breakpoints,
		totalShares: req.TotalShares,
		classShares: req.ClassShares,
	}
	params, err := s.searchParams(solver.UseCaseOPMBacksolve, req.Solver, req.TargetFMV, req.TotalShares, opm.MinValue(req.Breakpoints))
	if err != nil {
		return fail(err)
	}
	target, err := s.prec.FromFloat(req.TargetFMV)
	if err != nil {
		return fail(err)
	}

	s.logger.Info("backsolve started",
		zap.String("securityClass", req.SecurityClass),
		zap.Float64("targetFmv", req.TargetFMV),
		zap.String("initialGuess", params.InitialGuess.String()),
		zap.String("lowerBound", params.Bounds.Min.String()),
		zap.String("upperBound", params.Bounds.Max.String()),
		zap.String("method", string(params.Method)),
	)

	fn := s.objective(sh, req.SecurityClass)
	solved, err := s.solver.Optimize(ctx, fn, target, params, nil)
	if err != nil {
		return fail(fmt.Errorf("solver: %w", err))
	}
	result.Converged = solved.Converged
	result.Iterations = solved.Iterations
	result.Method = solved.Method
	result.Explanation = solved.Explanation
	result.Performance = solved.Performance
	result.Trace = solved.Trace
	result.Warnings = append(result.Warnings, solved.Warnings...)
	result.EnterpriseValue = solved.Solution

	fmv, allocation, err := s.fmvAt(sh, s.prec.Float(solved.Solution), req.SecurityClass)
	if err != nil {
		return fail(fmt.Errorf("allocation at solution: %w", err))
	}
	result.AchievedFMV = fmv
	result.Allocation = allocation
	result.Residual = math.Abs(fmv - req.TargetFMV)
	if !allocation.Valid {
		result.Errors = append(result.Errors, allocation.ValidationErrors...)
	}

	verification, err := s.solver.VerifySolution(fn, solved.Solution, target, tolerance())
	if err != nil {
		return fail(err)
	}
	result.Verification = &verification
	if solved.Converged && !verification.Within {
		msg := fmt.Sprintf("solver reported convergence but the verified residual %s exceeds %s",
			verification.Residual, verification.Tolerance)
		result.Warnings = append(result.Warnings, msg)
		s.logger.Warn(msg)
	}

	result.Success = solved.Converged && allocation.Valid && len(result.Errors) == 0
	s.logger.Info("backsolve finished",
		zap.Bool("success", result.Success),
		zap.String("enterpriseValue", result.EnterpriseValue.String()),
		zap.Float64("achievedFmv", fmv),
		zap.Int("iterations", result.Iterations),
		zap.String("method", string(result.Method)),
	)
	return result
}
