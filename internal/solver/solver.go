// Package solver finds the root of a scalar function carried in the decimal
// domain. Two strategies are available (Newton-Raphson and bisection); Optimize
// selects between them and falls back from one to the other.
package solver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/precision"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Method names a solving strategy.
type Method string

const (
	MethodNewton    Method = "newton_raphson"
	MethodBisection Method = "bisection"
	MethodHybrid    Method = "hybrid"
	MethodAuto      Method = "auto"
	// MethodFailed is reported by callers when solving could not run at all.
	MethodFailed Method = "failed"
)

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(value string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return MethodAuto, nil
	case "newton", "newton_raphson", "newton-raphson", "derivative":
		return MethodNewton, nil
	case "bisection", "bracketing", "binary_search":
		return MethodBisection, nil
	case "hybrid":
		return MethodHybrid, nil
	default:
		return "", calcerr.Structural("unsupported solver method %q", value)
	}
}

// Direction declares whether f increases or decreases over the bounds.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
)

// ParseDirection maps a configuration string onto a Direction. Empty means
// the bisection solver infers it from the bound values.
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", nil
	case "increasing", "up":
		return DirectionIncreasing, nil
	case "decreasing", "down":
		return DirectionDecreasing, nil
	default:
		return "", calcerr.Structural("unsupported search direction %q", value)
	}
}

// Func is a scalar target function.
type Func func(x decimal.Decimal) (decimal.Decimal, error)

// Bounds is a closed search interval.
type Bounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Params configures one solve. It is request scoped.
type Params struct {
	Method        Method           `json:"method"`
	InitialGuess  *decimal.Decimal `json:"initialGuess,omitempty"`
	Bounds        *Bounds          `json:"bounds,omitempty"`
	MaxIterations int              `json:"maxIterations"`
	Tolerance     decimal.Decimal  `json:"tolerance"`
	// Step magnitudes; zero leaves that side unclamped.
	MinStepSize decimal.Decimal `json:"minStepSize"`
	MaxStepSize decimal.Decimal `json:"maxStepSize"`
	Direction   Direction       `json:"direction,omitempty"`
	RecordTrace bool            `json:"recordTrace,omitempty"`
}

// Iteration is one entry of the optional iteration trace.
type Iteration struct {
	Index      int             `json:"index"`
	Method     Method          `json:"method"`
	X          decimal.Decimal `json:"x"`
	Value      decimal.Decimal `json:"value"`
	Residual   decimal.Decimal `json:"residual"`
	Derivative decimal.Decimal `json:"derivative,omitempty"`
	Step       decimal.Decimal `json:"step,omitempty"`
}

// Performance is diagnostic metadata about a solve.
type Performance struct {
	Elapsed          time.Duration `json:"elapsed"`
	MethodsAttempted []Method      `json:"methodsAttempted"`
}

// Result is the outcome of a solve. Non-convergence is reported here rather
// than as an error.
type Result struct {
	Solution    decimal.Decimal `json:"solution"`
	Iterations  int             `json:"iterations"`
	Residual    decimal.Decimal `json:"residual"`
	Converged   bool            `json:"converged"`
	Method      Method          `json:"method"`
	Explanation string          `json:"explanation"`
	Trace       []Iteration     `json:"trace,omitempty"`
	Performance Performance     `json:"performance"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Verification is an independent residual check of a solution.
type Verification struct {
	Value     decimal.Decimal `json:"value"`
	Residual  decimal.Decimal `json:"residual"`
	Tolerance decimal.Decimal `json:"tolerance"`
	Within    bool            `json:"within"`
}

const defaultMaxIterations = 100

var (
	defaultTolerance = decimal.New(1, -6)
	// |f'| below this is treated as lost derivative information
	minDerivative = decimal.New(1, -15)
	relativeStep  = decimal.New(1, -6)
	absoluteStep  = decimal.New(1, -6)
	two           = decimal.NewFromInt(2)
)

// Engine runs solves. It holds no per-solve state.
type Engine struct {
	logger trace.Logger
	prec   precision.Context
}

// NewEngine constructs an Engine with an explicit precision model.
func NewEngine(logger trace.Logger, prec precision.Context) *Engine {
	return &Engine{logger: trace.OrNop(logger), prec: prec}
}

// Precision returns the engine's precision model.
func (e *Engine) Precision() precision.Context {
	return e.prec
}

// WithDefaults fills unset iteration budget, tolerance and method.
func (p Params) WithDefaults() Params {
	if p.MaxIterations <= 0 {
		p.MaxIterations = defaultMaxIterations
	}
	if !p.Tolerance.IsPositive() {
		p.Tolerance = defaultTolerance
	}
	if p.Method == "" {
		p.Method = MethodAuto
	}
	return p
}

// Validate checks internal consistency of the parameters.
func (p Params) Validate() error {
	if p.Bounds != nil && !p.Bounds.Min.LessThan(p.Bounds.Max) {
		return calcerr.Structural("solver bounds min %s must be less than max %s", p.Bounds.Min, p.Bounds.Max)
	}
	if p.MinStepSize.IsNegative() {
		return calcerr.NewRange("minStepSize", p.MinStepSize.InexactFloat64(), ">= 0")
	}
	if p.MaxStepSize.IsNegative() {
		return calcerr.NewRange("maxStepSize", p.MaxStepSize.InexactFloat64(), ">= 0")
	}
	if p.MaxStepSize.IsPositive() && p.MinStepSize.GreaterThan(p.MaxStepSize) {
		return calcerr.Structural("solver minStepSize %s exceeds maxStepSize %s", p.MinStepSize, p.MaxStepSize)
	}
	switch p.Direction {
	case "", DirectionIncreasing, DirectionDecreasing:
	default:
		return calcerr.Structural("unsupported search direction %q", p.Direction)
	}
	return nil
}

// plan returns the ordered methods Optimize will attempt.
func plan(p Params, hasDerivative bool) ([]Method, error) {
	hasGuess := p.InitialGuess != nil
	hasBounds := p.Bounds != nil

	switch p.Method {
	case MethodNewton:
		if !hasGuess && !hasBounds {
			return nil, calcerr.Structural("newton_raphson requires an initial guess or bounds")
		}
		return []Method{MethodNewton}, nil
	case MethodBisection:
		if !hasBounds {
			return nil, calcerr.Structural("bisection requires search bounds")
		}
		return []Method{MethodBisection}, nil
	case MethodHybrid:
		switch {
		case hasGuess && hasBounds:
			return []Method{MethodNewton, MethodBisection}, nil
		case hasGuess:
			return []Method{MethodNewton}, nil
		case hasBounds:
			return []Method{MethodBisection}, nil
		default:
			return nil, calcerr.Structural("insufficient parameters: hybrid requires an initial guess or bounds")
		}
	case MethodAuto:
		switch {
		case hasGuess && hasDerivative:
			return []Method{MethodNewton}, nil
		case hasBounds:
			return []Method{MethodBisection}, nil
		case hasGuess:
			return []Method{MethodNewton}, nil
		default:
			return nil, calcerr.Structural("insufficient parameters: provide an initial guess or bounds")
		}
	default:
		return nil, calcerr.Structural("unsupported solver method %q", p.Method)
	}
}

// Optimize solves fn(x) = target, selecting and sequencing methods from
// params. Evaluation errors abort the solve unless a fallback method remains.
// A cancelled ctx aborts between iterations.
func (e *Engine) Optimize(ctx context.Context, fn Func, target decimal.Decimal, params Params, deriv Func) (*Result, error) {
	start := time.Now()
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	methods, err := plan(params, deriv != nil)
	if err != nil {
		return nil, err
	}

	var (
		attempted  []Method
		result     *Result
		iterations int
		traceLog   []Iteration
		notes      []string
	)
	for i, method := range methods {
		attempted = append(attempted, method)
		last := i == len(methods)-1

		var r *Result
		var runErr error
		switch method {
		case MethodNewton:
			r, runErr = e.Newton(ctx, fn, target, params, deriv)
		default:
			r, runErr = e.Bisection(ctx, fn, target, params)
		}

		if runErr != nil {
			if ctx.Err() != nil || last {
				return nil, runErr
			}
			notes = append(notes, fmt.Sprintf("%s failed: %v", method, runErr))
			e.logger.Info("solver falling back after evaluation error",
				zap.String("method", string(method)),
				zap.Error(runErr),
			)
			continue
		}

		iterations += r.Iterations
		traceLog = append(traceLog, r.Trace...)
		result = r
		if r.Converged || last {
			break
		}
		notes = append(notes, fmt.Sprintf("%s did not converge: %s", method, r.Explanation))
		e.logger.Info("solver falling back after non-convergence",
			zap.String("method", string(method)),
			zap.Int("iterations", r.Iterations),
			zap.String("residual", r.Residual.String()),
		)
	}

	result.Iterations = iterations
	result.Trace = traceLog
	if len(notes) > 0 {
		result.Explanation = strings.Join(append(notes, result.Explanation), "; ")
	}
	result.Performance = Performance{Elapsed: time.Since(start), MethodsAttempted: attempted}

	e.logger.Step("solve finished",
		zap.String("method", string(result.Method)),
		zap.Bool("converged", result.Converged),
		zap.Int("iterations", result.Iterations),
		zap.String("solution", result.Solution.String()),
		zap.String("residual", result.Residual.String()),
	)
	return result, nil
}

// VerifySolution re-evaluates fn at solution independently of the solver
// that produced it.
func (e *Engine) VerifySolution(fn Func, solution, target, tolerance decimal.Decimal) (Verification, error) {
	value, err := fn(solution)
	if err != nil {
		return Verification{}, fmt.Errorf("verification evaluation failed: %w", err)
	}
	residual := e.prec.Sub(value, target).Abs()
	return Verification{
		Value:     value,
		Residual:  residual,
		Tolerance: tolerance,
		Within:    residual.LessThanOrEqual(tolerance),
	}, nil
}

// residual evaluates fn(x) - target.
func (e *Engine) residual(fn Func, x, target decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	value, err := fn(x)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	value = e.prec.Round(value)
	return value, e.prec.Sub(value, target), nil
}

func clampDecimal(x decimal.Decimal, b *Bounds) decimal.Decimal {
	if b == nil {
		return x
	}
	if x.LessThan(b.Min) {
		return b.Min
	}
	if x.GreaterThan(b.Max) {
		return b.Max
	}
	return x
}

func clampStep(step, minStep, maxStep decimal.Decimal) decimal.Decimal {
	magnitude := step.Abs()
	if maxStep.IsPositive() && magnitude.GreaterThan(maxStep) {
		magnitude = maxStep
	}
	if minStep.IsPositive() && magnitude.LessThan(minStep) {
		magnitude = minStep
	}
	if step.IsNegative() {
		return magnitude.Neg()
	}
	return magnitude
}
