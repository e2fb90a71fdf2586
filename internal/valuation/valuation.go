// Package valuation runs one valuation file end to end: it dispatches on the
// configured mode and gathers the engine output into a Report.
package valuation

import (
	"context"
	"fmt"

	"github.com/iwvelando/opm-valuation/internal/backsolve"
	"github.com/iwvelando/opm-valuation/internal/config"
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"go.uber.org/zap"
)

// Report holds the output of one run. Exactly one of Price, Allocation,
// Backsolve and Weighted is set, matching Mode.
type Report struct {
	Mode       string                    `json:"mode"`
	Price      *PriceReport              `json:"price,omitempty"`
	Allocation *opm.Result               `json:"allocation,omitempty"`
	Backsolve  *backsolve.Result         `json:"backsolve,omitempty"`
	Weighted   *backsolve.WeightedResult `json:"weighted,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
}

// PriceReport is the price-mode output.
type PriceReport struct {
	Result option.Result `json:"result"`
	Greeks option.Greeks `json:"greeks"`
	// ImpliedVolatility is set when a market price was configured.
	ImpliedVolatility *float64 `json:"impliedVolatility,omitempty"`
	ImpliedConverged  bool     `json:"impliedConverged,omitempty"`
}

// Succeeded reports whether the run produced a usable answer.
func (r *Report) Succeeded() bool {
	switch {
	case r == nil:
		return false
	case r.Price != nil:
		return true
	case r.Allocation != nil:
		return r.Allocation.Valid
	case r.Backsolve != nil:
		return r.Backsolve.Success
	case r.Weighted != nil:
		return r.Weighted.Success
	}
	return false
}

// Run executes conf. Validation errors are returned for price, allocate and
// weighted modes; a single backsolve reports its failures inside the Report.
func Run(ctx context.Context, logger trace.Logger, conf *config.Configuration) (*Report, error) {
	logger = trace.OrNop(logger)
	if conf == nil {
		return nil, fmt.Errorf("no configuration supplied")
	}

	report := &Report{Mode: conf.Mode, Warnings: conf.ValidateConfiguration()}
	for _, w := range report.Warnings {
		logger.Warn("Configuration warning: " + w)
	}

	prec, err := conf.PrecisionContext()
	if err != nil {
		return nil, err
	}

	switch conf.Mode {
	case config.ModePrice:
		report.Price, err = price(logger, conf)
	case config.ModeAllocate:
		report.Allocation, err = opm.NewEngine(option.NewPricer(logger), logger).Calculate(conf.AllocationContext())
	case config.ModeBacksolve:
		var req backsolve.Request
		req, err = conf.BacksolveRequest()
		if err == nil {
			report.Backsolve = backsolve.NewService(logger, prec).Backsolve(ctx, req)
		}
	case config.ModeWeighted:
		var req backsolve.WeightedRequest
		req, err = conf.WeightedRequest()
		if err == nil {
			report.Weighted, err = backsolve.NewService(logger, prec).BacksolveWeighted(ctx, req)
		}
	default:
		err = fmt.Errorf("unsupported mode %q", conf.Mode)
	}
	if err != nil {
		logger.Error("valuation failed", zap.String("mode", conf.Mode), zap.Error(err))
		return nil, err
	}

	logger.Info("valuation complete", zap.String("mode", conf.Mode), zap.Bool("success", report.Succeeded()))
	return report, nil
}

func price(logger trace.Logger, conf *config.Configuration) (*PriceReport, error) {
	pricer := option.NewPricer(logger)
	params := conf.PriceParams()

	result, err := pricer.Price(params)
	if err != nil {
		return nil, err
	}
	greeks, err := pricer.Greeks(params)
	if err != nil {
		return nil, err
	}
	out := &PriceReport{Result: result, Greeks: greeks}

	if conf.Option.MarketPrice > 0 {
		vol, converged := pricer.ImpliedVolatility(conf.Option.MarketPrice, params,
			constants.ImpliedVolatilityTolerance, constants.ImpliedVolatilityMaxIterations)
		out.ImpliedVolatility = &vol
		out.ImpliedConverged = converged
		if !converged {
			logger.Warn("implied volatility did not converge", zap.Float64("marketPrice", conf.Option.MarketPrice))
		}
	}
	return out, nil
}
