package opm_test

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/testutil"
)

func seriesAContext(ev float64) opm.Context {
	return opm.Context{
		EnterpriseValue: ev,
		Option:          testutil.OptionParams(),
		Breakpoints:     testutil.SeriesA(),
		TotalShares:     testutil.SeriesATotalShares,
		ClassShares:     testutil.SeriesAClassShares(),
	}
}

func TestSingleZeroStrikeBreakpointCapturesEnterpriseValue(t *testing.T) {
	engine := opm.NewEngine(nil, nil)
	result, err := engine.Calculate(opm.Context{
		EnterpriseValue: 10_000_000,
		Option:          testutil.OptionParams(),
		Breakpoints:     testutil.SingleCommon(),
		TotalShares:     1_000_000,
		ClassShares:     map[string]float64{"common": 1_000_000},
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected a valid allocation, got %v", result.ValidationErrors)
	}
	if fmv := result.FMVPerShare("common"); math.Abs(fmv-10) > 1e-6 {
		t.Errorf("FMVPerShare(common) = %v, expected 10", fmv)
	}
	if result.UnallocatedValue > 1e-4 {
		t.Errorf("UnallocatedValue = %v, expected ~0 below a zero strike", result.UnallocatedValue)
	}
	if bp := result.Breakpoints[0]; bp.Strike != 0.00001 || !bp.Active {
		t.Errorf("zero strike should be priced at epsilon and be active, got %+v", bp)
	}
}

func TestConservationOfValue(t *testing.T) {
	engine := opm.NewEngine(nil, nil)
	for _, ev := range []float64{1_000_000, 12_000_000, 40_000_000, 250_000_000} {
		result, err := engine.Calculate(seriesAContext(ev))
		if err != nil {
			t.Fatalf("Calculate(%v) error = %v", ev, err)
		}
		if !result.Valid {
			t.Errorf("EV %v: unexpected validation errors %v", ev, result.ValidationErrors)
		}
		if result.TotalValueDistributed > ev*1.01 {
			t.Errorf("EV %v: distributed %v exceeds enterprise value", ev, result.TotalValueDistributed)
		}
		if diff := math.Abs(result.TotalValueDistributed + result.UnallocatedValue - ev); diff > 1e-6*ev {
			t.Errorf("EV %v: distributed %v + unallocated %v leaves %v unaccounted",
				ev, result.TotalValueDistributed, result.UnallocatedValue, diff)
		}
		for _, c := range result.Classes {
			if c.TotalValue < 0 || c.ValuePerShare < 0 {
				t.Errorf("EV %v: class %s has negative value %+v", ev, c.SecurityClass, c)
			}
		}
	}
}

func TestTranchesBetweenConsecutiveStrikes(t *testing.T) {
	const ev = 12_000_000
	pricer := option.NewPricer(nil)
	call := func(strike float64) float64 {
		params := testutil.OptionParams()
		params.CompanyValue = ev
		params.StrikePrice = strike
		r, err := pricer.Price(params)
		if err != nil {
			t.Fatalf("Price(%v) error = %v", strike, err)
		}
		return r.CallValue
	}
	c0, c5, c10, c25 := call(0.00001), call(5_000_000), call(10_000_000), call(25_000_000)

	result, err := opm.NewEngine(pricer, nil).Calculate(seriesAContext(ev))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	expected := map[string]float64{
		"preferred": (c0 - c5) + 0.2*c25,
		"common":    (c5 - c10) + (c10 - c25) + 0.8*c25,
	}
	for class, value := range expected {
		got, ok := result.Class(class)
		if !ok {
			t.Fatalf("class %s missing from result", class)
		}
		if math.Abs(got.TotalValue-value) > 1e-6 {
			t.Errorf("%s TotalValue = %v, expected %v", class, got.TotalValue, value)
		}
		shares := testutil.SeriesAClassShares()[class]
		if math.Abs(got.ValuePerShare-value/shares) > 1e-9 {
			t.Errorf("%s ValuePerShare = %v, expected %v", class, got.ValuePerShare, value/shares)
		}
	}

	if result.Classes[0].TotalValue < result.Classes[1].TotalValue {
		t.Errorf("classes not sorted by value: %+v", result.Classes)
	}
	percent := 0.0
	for _, c := range result.Classes {
		percent += c.PercentOfTotal
	}
	if math.Abs(percent-100) > 1e-9 {
		t.Errorf("percentages sum to %v", percent)
	}
	if last := result.Breakpoints[len(result.Breakpoints)-1]; last.TrancheValue != last.CallValue {
		t.Errorf("highest breakpoint should keep its call value, got %+v", last)
	}
}

func TestOutOfOrderBreakpointsMatchSorted(t *testing.T) {
	engine := opm.NewEngine(nil, nil)
	sorted, err := engine.Calculate(seriesAContext(30_000_000))
	if err != nil {
		t.Fatalf("Calculate(sorted) error = %v", err)
	}

	ctx := seriesAContext(30_000_000)
	ctx.Breakpoints = testutil.Reversed(ctx.Breakpoints)
	firstID := ctx.Breakpoints[0].ID
	reversed, err := engine.Calculate(ctx)
	if err != nil {
		t.Fatalf("Calculate(reversed) error = %v", err)
	}

	if !reflect.DeepEqual(sorted, reversed) {
		t.Errorf("out-of-order breakpoints changed the result:\nsorted:   %+v\nreversed: %+v", sorted, reversed)
	}
	if ctx.Breakpoints[0].ID != firstID {
		t.Error("Calculate reordered the caller's breakpoints")
	}
}

func TestCalculateValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*opm.Context)
		sentinel error
		field    string
	}{
		{"No breakpoints", func(c *opm.Context) { c.Breakpoints = nil }, calcerr.ErrStructural, ""},
		{"Zero enterprise value", func(c *opm.Context) { c.EnterpriseValue = 0 }, calcerr.ErrParameterRange, "enterpriseValue"},
		{"Zero total shares", func(c *opm.Context) { c.TotalShares = 0 }, calcerr.ErrParameterRange, "totalShares"},
		{"Zero volatility", func(c *opm.Context) { c.Option.Volatility = 0 }, calcerr.ErrParameterRange, "volatility"},
		{"Negative breakpoint", func(c *opm.Context) { c.Breakpoints[1].Value = -1 }, calcerr.ErrParameterRange, "breakpoints[bp-common].value"},
		{"Ratio as percentage", func(c *opm.Context) { c.Breakpoints[0].Allocations[0].Ratio = 100 }, calcerr.ErrParameterRange, "breakpoints[bp-pref].allocations[preferred].ratio"},
		{"Missing class name", func(c *opm.Context) { c.Breakpoints[0].Allocations[0].SecurityClass = "" }, calcerr.ErrStructural, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := seriesAContext(10_000_000)
			tt.mutate(&ctx)
			result, err := opm.NewEngine(nil, nil).Calculate(ctx)
			if err == nil {
				t.Fatalf("expected an error, got result %+v", result)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
			if tt.field != "" {
				var rangeErr *calcerr.RangeError
				if !errors.As(err, &rangeErr) || rangeErr.Field != tt.field {
					t.Errorf("expected range error on %s, got %v", tt.field, err)
				}
			}
		})
	}
}

func TestOverParticipationIsReportedNotFatal(t *testing.T) {
	ctx := opm.Context{
		EnterpriseValue: 5_000_000,
		Option:          testutil.OptionParams(),
		Breakpoints: []opm.Breakpoint{{
			ID:    "bp-double",
			Value: 0,
			Allocations: []opm.Participation{
				{SecurityClass: "common", Ratio: 1},
				{SecurityClass: "preferred", Ratio: 1},
			},
		}},
		TotalShares: 2_000_000,
		ClassShares: map[string]float64{"common": 1_000_000, "preferred": 1_000_000},
	}
	result, err := opm.NewEngine(nil, nil).Calculate(ctx)
	if err != nil {
		t.Fatalf("business-rule violations must not be errors: %v", err)
	}
	if result.Valid {
		t.Fatal("expected the allocation to be flagged invalid")
	}
	if !strings.Contains(strings.Join(result.ValidationErrors, "; "), "exceeds enterprise value") {
		t.Errorf("unexpected validation errors: %v", result.ValidationErrors)
	}
	if len(result.Classes) != 2 {
		t.Errorf("partial results should still be reported, got %+v", result.Classes)
	}
}

func TestClassWithoutShareCount(t *testing.T) {
	ctx := seriesAContext(20_000_000)
	ctx.ClassShares = map[string]float64{"common": testutil.SeriesACommonShares}
	result, err := opm.NewEngine(nil, nil).Calculate(ctx)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if result.Valid || len(result.ValidationErrors) != 1 {
		t.Errorf("expected one validation error, got valid=%v %v", result.Valid, result.ValidationErrors)
	}
	if result.FMVPerShare("preferred") != 0 {
		t.Errorf("preferred without shares should report 0 per share")
	}
}

func TestFMVPerShareAbsentClass(t *testing.T) {
	result, err := opm.NewEngine(nil, nil).Calculate(seriesAContext(10_000_000))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if v := result.FMVPerShare("series-z"); v != 0 {
		t.Errorf("FMVPerShare(series-z) = %v, expected 0", v)
	}
	var missing *opm.Result
	if v := missing.FMVPerShare("common"); v != 0 {
		t.Errorf("nil result FMVPerShare = %v, expected 0", v)
	}
}

func TestClassSharesFromBreakpoints(t *testing.T) {
	shares := opm.ClassSharesFromBreakpoints(testutil.SeriesA(), testutil.SeriesATotalShares)
	if !reflect.DeepEqual(shares, testutil.SeriesAClassShares()) {
		t.Errorf("ClassSharesFromBreakpoints() = %v, expected %v", shares, testutil.SeriesAClassShares())
	}

	noBookkeeping := []opm.Breakpoint{{
		ID:          "bp",
		Allocations: []opm.Participation{{SecurityClass: "common", Ratio: 0.25}, {SecurityClass: "preferred", Ratio: 0.75}},
	}}
	shares = opm.ClassSharesFromBreakpoints(noBookkeeping, 1_000_000)
	if shares["common"] != 250_000 || shares["preferred"] != 750_000 {
		t.Errorf("ratio-derived shares = %v", shares)
	}
}

func TestCalculateDerivesMissingClassShares(t *testing.T) {
	engine := opm.NewEngine(nil, nil)
	explicit, err := engine.Calculate(seriesAContext(15_000_000))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	ctx := seriesAContext(15_000_000)
	ctx.ClassShares = nil
	derived, err := engine.Calculate(ctx)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if !reflect.DeepEqual(explicit, derived) {
		t.Errorf("derived class shares changed the allocation")
	}
}

func TestCalculateEmitsTrace(t *testing.T) {
	recorder := trace.NewRecorder(nil)
	if _, err := opm.NewEngine(nil, recorder).Calculate(seriesAContext(10_000_000)); err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	// one step per breakpoint plus the summary
	if got := recorder.Count("step"); got != len(testutil.SeriesA())+1 {
		t.Errorf("recorded %d steps, expected %d", got, len(testutil.SeriesA())+1)
	}
}

func BenchmarkCalculate(b *testing.B) {
	engine := opm.NewEngine(nil, nil)
	ctx := seriesAContext(25_000_000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Calculate(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
