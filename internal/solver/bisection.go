package solver

import (
	"context"
	"fmt"

	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Bisection halves Bounds until the bracket width or the residual drops below
// the tolerance. The declared Direction decides which half is kept; when it
// is empty, or contradicted by the bound values, the observed direction is
// used and a warning recorded.
func (e *Engine) Bisection(ctx context.Context, fn Func, target decimal.Decimal, params Params) (*Result, error) {
	params = params.WithDefaults()
	if params.Bounds == nil {
		return nil, calcerr.Structural("bisection requires search bounds")
	}

	lo, hi := e.prec.Round(params.Bounds.Min), e.prec.Round(params.Bounds.Max)
	loValue, fLo, err := e.residual(fn, lo, target)
	if err != nil {
		return nil, fmt.Errorf("bisection evaluation at lower bound %s failed: %w", lo, err)
	}
	hiValue, fHi, err := e.residual(fn, hi, target)
	if err != nil {
		return nil, fmt.Errorf("bisection evaluation at upper bound %s failed: %w", hi, err)
	}

	result := &Result{Method: MethodBisection}
	if fLo.Abs().LessThan(params.Tolerance) {
		return e.bracketHit(result, params, lo, loValue, fLo), nil
	}
	if fHi.Abs().LessThan(params.Tolerance) {
		return e.bracketHit(result, params, hi, hiValue, fHi), nil
	}

	if fLo.Sign() == fHi.Sign() {
		result.Solution, result.Residual = lo, fLo.Abs()
		if fHi.Abs().LessThan(fLo.Abs()) {
			result.Solution, result.Residual = hi, fHi.Abs()
		}
		result.Explanation = fmt.Sprintf("bisection could not bracket the target within [%s, %s]", lo, hi)
		return result, nil
	}

	observed := DirectionIncreasing
	if fLo.IsPositive() {
		observed = DirectionDecreasing
	}
	direction := params.Direction
	if direction != observed {
		if direction != "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("declared direction %s contradicts bound values; using %s", direction, observed))
		}
		direction = observed
	}

	for i := 1; i <= params.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bisection cancelled at iteration %d: %w", i, err)
		}

		mid := e.prec.Div(e.prec.Add(lo, hi), two)
		value, fMid, err := e.residual(fn, mid, target)
		if err != nil {
			return nil, fmt.Errorf("bisection evaluation at x=%s failed: %w", mid, err)
		}
		result.Iterations = i
		result.Solution = mid
		result.Residual = fMid.Abs()
		e.record(result, params, Iteration{Index: i, Method: MethodBisection, X: mid, Value: value, Residual: fMid})
		e.logger.Step("bisection iteration",
			zap.Int("iteration", i),
			zap.String("lo", lo.String()),
			zap.String("hi", hi.String()),
			zap.String("residual", fMid.String()),
		)

		if fMid.Abs().LessThan(params.Tolerance) || e.prec.Sub(hi, lo).LessThan(params.Tolerance) {
			result.Converged = true
			result.Explanation = fmt.Sprintf("bisection converged in %d iterations (residual %s)", i, result.Residual)
			return result, nil
		}

		// below target on an increasing function means the root is above mid
		if (direction == DirectionIncreasing) == fMid.IsNegative() {
			lo = mid
		} else {
			hi = mid
		}
	}

	result.Explanation = fmt.Sprintf("bisection did not converge within %d iterations (residual %s)", params.MaxIterations, result.Residual)
	return result, nil
}

func (e *Engine) bracketHit(result *Result, params Params, x, value, fx decimal.Decimal) *Result {
	result.Solution = x
	result.Residual = fx.Abs()
	result.Converged = true
	result.Explanation = fmt.Sprintf("bisection bound %s already satisfies the tolerance", x)
	e.record(result, params, Iteration{Index: 0, Method: MethodBisection, X: x, Value: value, Residual: fx})
	return result
}
