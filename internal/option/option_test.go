package option

import (
	"errors"
	"math"
	"testing"

	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"go.uber.org/multierr"
)

func textbookParams() Params {
	return Params{
		CompanyValue:     100,
		StrikePrice:      100,
		TimeToExpiration: 1,
		Volatility:       0.20,
		RiskFreeRate:     0.05,
	}
}

func TestPriceTextbook(t *testing.T) {
	pricer := NewPricer(nil)
	result, err := pricer.Price(textbookParams())
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if math.Abs(result.CallValue-10.45) > 0.01 {
		t.Errorf("CallValue = %.4f, expected 10.45 +/- 0.01", result.CallValue)
	}
	if math.Abs(result.D1-0.35) > 1e-9 {
		t.Errorf("D1 = %v, expected 0.35", result.D1)
	}
	if math.Abs(result.D2-0.15) > 1e-9 {
		t.Errorf("D2 = %v, expected 0.15", result.D2)
	}
	if result.Params != textbookParams() {
		t.Errorf("Params echo mismatch: %+v", result.Params)
	}
}

func TestPriceZeroStrikeShortcut(t *testing.T) {
	params := textbookParams()
	params.StrikePrice = 0
	result, err := NewPricer(nil).Price(params)
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if result.CallValue != params.CompanyValue {
		t.Errorf("CallValue = %v, expected %v", result.CallValue, params.CompanyValue)
	}
	if result.D1 != 0 || result.D2 != 0 || result.Nd1 != 1 || result.Nd2 != 1 {
		t.Errorf("unexpected shortcut terms: %+v", result)
	}
}

func TestPriceValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		fields []string
	}{
		{"Zero company value", func(p *Params) { p.CompanyValue = 0 }, []string{"companyValue"}},
		{"Negative strike", func(p *Params) { p.StrikePrice = -1 }, []string{"strikePrice"}},
		{"Zero time", func(p *Params) { p.TimeToExpiration = 0 }, []string{"timeToExpiration"}},
		{"Zero volatility", func(p *Params) { p.Volatility = 0 }, []string{"volatility"}},
		{"Negative rate", func(p *Params) { p.RiskFreeRate = -0.01 }, []string{"riskFreeRate"}},
		{"Negative dividend", func(p *Params) { p.DividendYield = -0.01 }, []string{"dividendYield"}},
		{"NaN volatility", func(p *Params) { p.Volatility = math.NaN() }, []string{"volatility"}},
		{
			"Several fields",
			func(p *Params) { p.CompanyValue = -5; p.Volatility = -1 },
			[]string{"companyValue", "volatility"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := textbookParams()
			tt.mutate(&params)
			_, err := NewPricer(nil).Price(params)
			if !errors.Is(err, calcerr.ErrParameterRange) {
				t.Fatalf("expected range error, got %v", err)
			}
			var fields []string
			for _, e := range multierr.Errors(errors.Unwrap(err)) {
				var rangeErr *calcerr.RangeError
				if errors.As(e, &rangeErr) {
					fields = append(fields, rangeErr.Field)
				}
			}
			if len(fields) != len(tt.fields) {
				t.Fatalf("offending fields = %v, expected %v", fields, tt.fields)
			}
			for i := range fields {
				if fields[i] != tt.fields[i] {
					t.Errorf("field[%d] = %s, expected %s", i, fields[i], tt.fields[i])
				}
			}
		})
	}
}

func TestPriceWarnsOnSuspiciousInputs(t *testing.T) {
	rec := trace.NewRecorder(nil)
	params := textbookParams()
	params.Volatility = 3.5
	params.TimeToExpiration = 12

	if _, err := NewPricer(rec).Price(params); err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if rec.Count("warn") != 2 {
		t.Errorf("expected 2 warnings, got %d", rec.Count("warn"))
	}
}

func TestPriceNoArbitrageAndMonotonicity(t *testing.T) {
	pricer := NewPricer(nil)
	base := Params{TimeToExpiration: 2, Volatility: 0.6, RiskFreeRate: 0.04, DividendYield: 0.01}

	for _, s := range []float64{10, 50, 100, 250, 1_000} {
		prevByK := math.Inf(1)
		for _, k := range []float64{0, 1, 25, 100, 400, 2_000} {
			params := base
			params.CompanyValue = s
			params.StrikePrice = k
			result, err := pricer.Price(params)
			if err != nil {
				t.Fatalf("Price(S=%v, K=%v) error = %v", s, k, err)
			}
			lower := math.Max(0, s*math.Exp(-params.DividendYield*params.TimeToExpiration)-k*math.Exp(-params.RiskFreeRate*params.TimeToExpiration))
			if result.CallValue < lower-1e-6 {
				t.Errorf("S=%v K=%v: call %v below no-arbitrage bound %v", s, k, result.CallValue, lower)
			}
			if k > 0 && result.CallValue > prevByK+1e-9 {
				t.Errorf("S=%v: call increased with strike %v (%v > %v)", s, k, result.CallValue, prevByK)
			}
			if k > 0 {
				prevByK = result.CallValue
			}
		}
	}

	prevByS := -1.0
	for _, s := range []float64{10, 50, 100, 250, 1_000} {
		params := base
		params.CompanyValue = s
		params.StrikePrice = 100
		result, err := pricer.Price(params)
		if err != nil {
			t.Fatalf("Price() error = %v", err)
		}
		if result.CallValue < prevByS {
			t.Errorf("call decreased with company value %v", s)
		}
		prevByS = result.CallValue
	}
}

func TestCumulativeNormal(t *testing.T) {
	if CumulativeNormal(0) != 0.5 {
		t.Errorf("CumulativeNormal(0) = %v, expected 0.5", CumulativeNormal(0))
	}
	for _, x := range []float64{0.5, 1, 2, 3} {
		sum := CumulativeNormal(x) + CumulativeNormal(-x)
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("N(%v) + N(-%v) = %v, expected 1", x, x, sum)
		}
		exact := 0.5 * (1 + math.Erf(x/math.Sqrt2))
		if math.Abs(CumulativeNormal(x)-exact) > 7.5e-8 {
			t.Errorf("N(%v) = %v, off from %v by more than 7.5e-8", x, CumulativeNormal(x), exact)
		}
	}
}

func TestDensity(t *testing.T) {
	if math.Abs(Density(0)-0.3989422804014327) > 1e-15 {
		t.Errorf("Density(0) = %v", Density(0))
	}
	if Density(1.3) != Density(-1.3) {
		t.Errorf("Density is not symmetric")
	}
}

func TestGreeks(t *testing.T) {
	pricer := NewPricer(nil)
	params := textbookParams()
	greeks, err := pricer.Greeks(params)
	if err != nil {
		t.Fatalf("Greeks() error = %v", err)
	}

	tests := []struct {
		name     string
		got      float64
		expected float64
		tol      float64
	}{
		{"Delta", greeks.Delta, 0.6368, 1e-3},
		{"Gamma", greeks.Gamma, 0.01876, 1e-4},
		{"Vega per 1%", greeks.Vega, 0.3752, 1e-3},
		{"Theta per day", greeks.Theta, -6.414 / 365, 1e-4},
		{"Rho per 1%", greeks.Rho, 0.5323, 1e-3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.expected) > tt.tol {
				t.Errorf("%s = %v, expected %v +/- %v", tt.name, tt.got, tt.expected, tt.tol)
			}
		})
	}

	// delta approximates dC/dS
	up, down := params, params
	up.CompanyValue += 0.01
	down.CompanyValue -= 0.01
	cu, _ := pricer.Price(up)
	cd, _ := pricer.Price(down)
	if numeric := (cu.CallValue - cd.CallValue) / 0.02; math.Abs(numeric-greeks.Delta) > 1e-3 {
		t.Errorf("numerical delta %v differs from analytic %v", numeric, greeks.Delta)
	}

	params.StrikePrice = 0
	deep, err := pricer.Greeks(params)
	if err != nil {
		t.Fatalf("Greeks(K=0) error = %v", err)
	}
	if deep.Delta != 1 || deep.Gamma != 0 || deep.Vega != 0 {
		t.Errorf("unexpected zero-strike greeks: %+v", deep)
	}
}

func TestImpliedVolatilityRoundTrip(t *testing.T) {
	pricer := NewPricer(nil)
	params := Params{CompanyValue: 100, StrikePrice: 100, TimeToExpiration: 1, Volatility: 0.45, RiskFreeRate: 0.03}
	priced, err := pricer.Price(params)
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}

	params.Volatility = 0.2
	sigma, ok := pricer.ImpliedVolatility(priced.CallValue, params, 1e-4, 100)
	if !ok {
		t.Fatal("ImpliedVolatility did not converge")
	}
	if math.Abs(sigma-0.45) > 1e-3 {
		t.Errorf("implied volatility = %v, expected 0.45", sigma)
	}

	sigma, ok = pricer.ImpliedVolatility(priced.CallValue, params, 0, 0)
	if !ok || math.Abs(sigma-0.45) > 1e-3 {
		t.Errorf("defaults: implied volatility = %v (ok=%v)", sigma, ok)
	}
}

func TestImpliedVolatilityFailures(t *testing.T) {
	pricer := NewPricer(nil)

	// deep out of the money with tiny term: vega underflows
	far := Params{CompanyValue: 1, StrikePrice: 1e9, TimeToExpiration: 0.001, RiskFreeRate: 0.01}
	if _, ok := pricer.ImpliedVolatility(5, far, 1e-4, 100); ok {
		t.Error("expected failure when vega vanishes")
	}

	// a price above the company value is unreachable
	params := Params{CompanyValue: 100, StrikePrice: 100, TimeToExpiration: 1, RiskFreeRate: 0.03}
	if _, ok := pricer.ImpliedVolatility(150, params, 1e-4, 25); ok {
		t.Error("expected failure for an unreachable price")
	}
}
