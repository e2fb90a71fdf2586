package solver

import (
	"context"
	"fmt"

	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Newton runs Newton-Raphson from the initial guess (or the bounds midpoint).
// When deriv is nil a central-difference derivative is used. Steps are
// clamped in magnitude to [MinStepSize, MaxStepSize] and iterates are kept
// inside Bounds when present.
func (e *Engine) Newton(ctx context.Context, fn Func, target decimal.Decimal, params Params, deriv Func) (*Result, error) {
	params = params.WithDefaults()

	var x decimal.Decimal
	switch {
	case params.InitialGuess != nil:
		x = *params.InitialGuess
	case params.Bounds != nil:
		x = e.prec.Div(e.prec.Add(params.Bounds.Min, params.Bounds.Max), two)
	default:
		return nil, calcerr.Structural("newton_raphson requires an initial guess or bounds")
	}
	x = clampDecimal(e.prec.Round(x), params.Bounds)

	result := &Result{Method: MethodNewton, Solution: x}
	for i := 1; i <= params.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("newton_raphson cancelled at iteration %d: %w", i, err)
		}

		value, fx, err := e.residual(fn, x, target)
		if err != nil {
			return nil, fmt.Errorf("newton_raphson evaluation at x=%s failed: %w", x, err)
		}
		result.Iterations = i
		result.Solution = x
		result.Residual = fx.Abs()

		if fx.Abs().LessThan(params.Tolerance) {
			result.Converged = true
			result.Explanation = fmt.Sprintf("newton_raphson converged in %d iterations (residual %s)", i, result.Residual)
			e.record(result, params, Iteration{Index: i, Method: MethodNewton, X: x, Value: value, Residual: fx})
			return result, nil
		}

		slope, err := e.slope(fn, deriv, x, value, params)
		if err != nil {
			return nil, fmt.Errorf("newton_raphson derivative at x=%s failed: %w", x, err)
		}
		if slope.Abs().LessThan(minDerivative) {
			result.Explanation = fmt.Sprintf("newton_raphson stopped: derivative vanished at x=%s", x)
			e.record(result, params, Iteration{Index: i, Method: MethodNewton, X: x, Value: value, Residual: fx, Derivative: slope})
			return result, nil
		}

		step := clampStep(e.prec.Div(fx, slope), params.MinStepSize, params.MaxStepSize)
		e.record(result, params, Iteration{Index: i, Method: MethodNewton, X: x, Value: value, Residual: fx, Derivative: slope, Step: step})
		e.logger.Step("newton iteration",
			zap.Int("iteration", i),
			zap.String("x", x.String()),
			zap.String("residual", fx.String()),
			zap.String("step", step.String()),
		)

		next := clampDecimal(e.prec.Sub(x, step), params.Bounds)
		if next.Equal(x) {
			result.Explanation = fmt.Sprintf("newton_raphson stalled at bound x=%s", x)
			return result, nil
		}
		x = next
	}

	result.Explanation = fmt.Sprintf("newton_raphson did not converge within %d iterations (residual %s)", params.MaxIterations, result.Residual)
	return result, nil
}

// slope returns f'(x), analytic when deriv is provided.
func (e *Engine) slope(fn, deriv Func, x, fx decimal.Decimal, params Params) (decimal.Decimal, error) {
	if deriv != nil {
		d, err := deriv(x)
		if err != nil {
			return decimal.Zero, err
		}
		return e.prec.Round(d), nil
	}

	h := e.prec.Mul(x.Abs(), relativeStep)
	if h.LessThan(absoluteStep) {
		h = absoluteStep
	}
	up, err := fn(e.prec.Add(x, h))
	if err != nil {
		return decimal.Zero, err
	}

	down := e.prec.Sub(x, h)
	if params.Bounds != nil && down.LessThan(params.Bounds.Min) {
		// forward difference keeps evaluation inside the domain
		return e.prec.Div(e.prec.Sub(e.prec.Round(up), fx), h), nil
	}
	low, err := fn(down)
	if err != nil {
		return decimal.Zero, err
	}
	return e.prec.Div(e.prec.Sub(e.prec.Round(up), e.prec.Round(low)), e.prec.Mul(h, two)), nil
}

func (e *Engine) record(result *Result, params Params, it Iteration) {
	if params.RecordTrace {
		result.Trace = append(result.Trace, it)
	}
}
