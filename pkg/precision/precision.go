// Package precision carries the decimal numeric domain used by the solvers.
//
// Option pricing runs in float64. Solver iterates, bounds, tolerances and
// reported solutions are decimal.Decimal values rounded to a fixed number of
// significant digits; conversion between the two happens at each solver
// iteration boundary through a Context.
package precision

import (
	"strings"

	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/mathutil"
	"github.com/shopspring/decimal"
)

// Rounding selects how values are rounded to the context's digits.
type Rounding string

const (
	// RoundHalfUp rounds ties away from zero.
	RoundHalfUp Rounding = "half_up"
	// RoundHalfEven rounds ties to the even neighbour.
	RoundHalfEven Rounding = "half_even"
	// RoundDown truncates toward zero.
	RoundDown Rounding = "down"
)

// Context is an explicit precision model. The zero value is not usable; call
// Default or New.
type Context struct {
	Digits   int32
	Rounding Rounding
}

// Default returns 28 significant digits with half-up rounding.
func Default() Context {
	return Context{Digits: constants.DefaultDecimalDigits, Rounding: RoundHalfUp}
}

// New validates and constructs a Context. An empty rounding mode means half-up.
func New(digits int32, rounding string) (Context, error) {
	if digits <= 0 {
		return Context{}, calcerr.NewRange("precision.digits", float64(digits), "> 0")
	}
	mode, err := ParseRounding(rounding)
	if err != nil {
		return Context{}, err
	}
	return Context{Digits: digits, Rounding: mode}, nil
}

// ParseRounding maps a configuration string onto a Rounding.
func ParseRounding(value string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "half_up", "halfup", "round_half_up":
		return RoundHalfUp, nil
	case "half_even", "halfeven", "bankers", "round_half_even":
		return RoundHalfEven, nil
	case "down", "truncate", "round_down":
		return RoundDown, nil
	default:
		return "", calcerr.Structural("unsupported rounding mode %q", value)
	}
}

// Round rounds d to the context's significant digits.
func (c Context) Round(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	// adjusted exponent of the most significant digit
	adjusted := int32(d.NumDigits()) + d.Exponent() - 1
	places := c.digits() - 1 - adjusted
	if places >= -d.Exponent() {
		return d
	}
	switch c.Rounding {
	case RoundHalfEven:
		return d.RoundBank(places)
	case RoundDown:
		return d.RoundDown(places)
	default:
		return d.Round(places)
	}
}

// FromFloat converts a float64 into a rounded decimal. Non-finite values are
// rejected because they have no decimal representation.
func (c Context) FromFloat(f float64) (decimal.Decimal, error) {
	if !mathutil.IsFinite(f) {
		return decimal.Zero, calcerr.NewRange("value", f, "finite")
	}
	return c.Round(decimal.NewFromFloat(f)), nil
}

// Float converts a decimal into the float64 domain.
func (c Context) Float(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// Div divides a by b, carrying the context's digits as decimal places before
// the final significant-digit rounding. b must be non-zero.
func (c Context) Div(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.DivRound(b, c.digits()))
}

// Mul multiplies and rounds.
func (c Context) Mul(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Mul(b))
}

// Add adds and rounds.
func (c Context) Add(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Add(b))
}

// Sub subtracts and rounds.
func (c Context) Sub(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Sub(b))
}

func (c Context) digits() int32 {
	if c.Digits <= 0 {
		return constants.DefaultDecimalDigits
	}
	return c.Digits
}
