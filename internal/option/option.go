// Package option prices European call options with the Black-Scholes model.
//
// The OPM allocation engine treats every cap-table breakpoint as a call on
// the company's enterprise value, so Price is the innermost operation of
// every allocation and every backsolve iteration.
package option

import (
	"fmt"
	"math"

	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params are the Black-Scholes inputs for a single call.
type Params struct {
	CompanyValue     float64 `json:"companyValue" yaml:"companyValue"`
	StrikePrice      float64 `json:"strikePrice" yaml:"strikePrice"`
	TimeToExpiration float64 `json:"timeToExpiration" yaml:"timeToExpiration"` // years
	Volatility       float64 `json:"volatility" yaml:"volatility"`
	RiskFreeRate     float64 `json:"riskFreeRate" yaml:"riskFreeRate"`
	DividendYield    float64 `json:"dividendYield" yaml:"dividendYield"`
}

// Result is a priced call with its intermediate terms.
type Result struct {
	CallValue float64 `json:"callValue"`
	D1        float64 `json:"d1"`
	D2        float64 `json:"d2"`
	Nd1       float64 `json:"nd1"`
	Nd2       float64 `json:"nd2"`
	Params    Params  `json:"params"`
}

// Greeks are call sensitivities. Vega and Rho are per 1% move, Theta per day.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// Validate returns every field outside its domain, combined into one error.
func (p Params) Validate() error {
	var err error
	if !(p.CompanyValue > 0) {
		err = multierr.Append(err, calcerr.NewRange("companyValue", p.CompanyValue, "> 0"))
	}
	if !(p.StrikePrice >= 0) {
		err = multierr.Append(err, calcerr.NewRange("strikePrice", p.StrikePrice, ">= 0"))
	}
	if !(p.TimeToExpiration > 0) {
		err = multierr.Append(err, calcerr.NewRange("timeToExpiration", p.TimeToExpiration, "> 0"))
	}
	if !(p.Volatility > 0) {
		err = multierr.Append(err, calcerr.NewRange("volatility", p.Volatility, "> 0"))
	}
	if !(p.RiskFreeRate >= 0) {
		err = multierr.Append(err, calcerr.NewRange("riskFreeRate", p.RiskFreeRate, ">= 0"))
	}
	if !(p.DividendYield >= 0) {
		err = multierr.Append(err, calcerr.NewRange("dividendYield", p.DividendYield, ">= 0"))
	}
	return err
}

// Pricer prices calls and logs suspicious inputs. It holds no calculation
// state and may be shared between goroutines.
type Pricer struct {
	logger trace.Logger
}

// NewPricer constructs a Pricer. A nil logger discards the audit trail.
func NewPricer(logger trace.Logger) *Pricer {
	return &Pricer{logger: trace.OrNop(logger)}
}

// Price returns the Black-Scholes call value for params.
func (p *Pricer) Price(params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid option parameters: %w", err)
	}
	p.warnSuspicious(params)

	if params.StrikePrice <= 0 {
		return Result{CallValue: params.CompanyValue, Nd1: 1, Nd2: 1, Params: params}, nil
	}

	d1, d2 := terms(params)
	nd1 := CumulativeNormal(d1)
	nd2 := CumulativeNormal(d2)
	call := params.CompanyValue*math.Exp(-params.DividendYield*params.TimeToExpiration)*nd1 -
		params.StrikePrice*math.Exp(-params.RiskFreeRate*params.TimeToExpiration)*nd2

	return Result{
		CallValue: mathutil.FloorZero(call),
		D1:        d1,
		D2:        d2,
		Nd1:       nd1,
		Nd2:       nd2,
		Params:    params,
	}, nil
}

// Greeks returns the call sensitivities for params.
func (p *Pricer) Greeks(params Params) (Greeks, error) {
	if err := params.Validate(); err != nil {
		return Greeks{}, fmt.Errorf("invalid option parameters: %w", err)
	}
	p.warnSuspicious(params)

	s, k, t := params.CompanyValue, params.StrikePrice, params.TimeToExpiration
	r, q, sigma := params.RiskFreeRate, params.DividendYield, params.Volatility
	divDiscount := math.Exp(-q * t)

	if k <= 0 {
		return Greeks{
			Delta: divDiscount,
			Theta: q * s * divDiscount / constants.DaysPerYear,
		}, nil
	}

	d1, d2 := terms(params)
	sqrtT := math.Sqrt(t)
	rateDiscount := math.Exp(-r * t)
	pdf := Density(d1)

	annualTheta := -s*divDiscount*pdf*sigma/(2*sqrtT) -
		r*k*rateDiscount*CumulativeNormal(d2) +
		q*s*divDiscount*CumulativeNormal(d1)

	return Greeks{
		Delta: divDiscount * CumulativeNormal(d1),
		Gamma: divDiscount * pdf / (s * sigma * sqrtT),
		Vega:  s * divDiscount * pdf * sqrtT / constants.PercentageMultiplier,
		Theta: annualTheta / constants.DaysPerYear,
		Rho:   k * t * rateDiscount * CumulativeNormal(d2) / constants.PercentageMultiplier,
	}, nil
}

// ImpliedVolatility searches for the volatility at which the call is worth
// marketPrice. It returns false when vega vanishes or the search does not
// converge. Non-positive tolerance or maxIterations select the defaults.
func (p *Pricer) ImpliedVolatility(marketPrice float64, params Params, tolerance float64, maxIterations int) (float64, bool) {
	if tolerance <= 0 {
		tolerance = constants.ImpliedVolatilityTolerance
	}
	if maxIterations <= 0 {
		maxIterations = constants.ImpliedVolatilityMaxIterations
	}

	sigma := constants.ImpliedVolatilityInitialGuess
	for i := 0; i < maxIterations; i++ {
		params.Volatility = sigma
		if err := params.Validate(); err != nil {
			p.logger.Error("implied volatility aborted", zap.Error(err))
			return 0, false
		}
		if params.StrikePrice <= 0 {
			// price does not depend on sigma
			return 0, false
		}

		d1, d2 := terms(params)
		price := params.CompanyValue*math.Exp(-params.DividendYield*params.TimeToExpiration)*CumulativeNormal(d1) -
			params.StrikePrice*math.Exp(-params.RiskFreeRate*params.TimeToExpiration)*CumulativeNormal(d2)
		diff := mathutil.FloorZero(price) - marketPrice
		if math.Abs(diff) < tolerance {
			p.logger.Step("implied volatility converged",
				zap.Float64("volatility", sigma),
				zap.Int("iterations", i+1),
			)
			return sigma, true
		}

		vega := params.CompanyValue * math.Exp(-params.DividendYield*params.TimeToExpiration) *
			Density(d1) * math.Sqrt(params.TimeToExpiration)
		if math.Abs(vega) < constants.MinVega {
			p.logger.Debug("implied volatility stopped on vanishing vega",
				zap.Float64("volatility", sigma),
				zap.Int("iteration", i+1),
			)
			return 0, false
		}

		sigma = mathutil.Clamp(sigma-diff/vega, constants.ImpliedVolatilityMin, constants.ImpliedVolatilityMax)
	}

	p.logger.Debug("implied volatility did not converge",
		zap.Float64("marketPrice", marketPrice),
		zap.Int("maxIterations", maxIterations),
	)
	return 0, false
}

func (p *Pricer) warnSuspicious(params Params) {
	if params.Volatility > constants.VolatilityWarningThreshold {
		p.logger.Warn("volatility above typical range",
			zap.Float64("volatility", params.Volatility),
			zap.Float64("threshold", constants.VolatilityWarningThreshold),
		)
	}
	if params.TimeToExpiration > constants.TermWarningThreshold {
		p.logger.Warn("time to expiration above typical range",
			zap.Float64("timeToExpiration", params.TimeToExpiration),
			zap.Float64("threshold", constants.TermWarningThreshold),
		)
	}
}

func terms(params Params) (float64, float64) {
	sigmaSqrtT := params.Volatility * math.Sqrt(params.TimeToExpiration)
	d1 := (math.Log(params.CompanyValue/params.StrikePrice) +
		(params.RiskFreeRate-params.DividendYield+params.Volatility*params.Volatility/2)*params.TimeToExpiration) / sigmaSqrtT
	return d1, d1 - sigmaSqrtT
}
