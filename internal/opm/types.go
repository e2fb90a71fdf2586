package opm

import "github.com/iwvelando/opm-valuation/internal/option"

// BreakpointType tags why the distribution of value changes at a breakpoint.
type BreakpointType string

const (
	BreakpointLiquidationPreference BreakpointType = "liquidation_preference"
	BreakpointProRata               BreakpointType = "pro_rata"
	BreakpointOptionExercise        BreakpointType = "option_exercise"
	BreakpointCap                   BreakpointType = "cap"
	BreakpointConversion            BreakpointType = "conversion"
)

// Participation is one security class's share of a breakpoint tranche.
// Shares and ValueReceived are bookkeeping carried from the cap table; the
// allocation itself uses only Ratio.
type Participation struct {
	SecurityClass string  `json:"securityClass" yaml:"securityClass" mapstructure:"securityClass"`
	Ratio         float64 `json:"ratio" yaml:"ratio" mapstructure:"ratio"` // decimal in [0,1]
	Shares        float64 `json:"shares,omitempty" yaml:"shares,omitempty" mapstructure:"shares"`
	ValueReceived float64 `json:"valueReceived,omitempty" yaml:"valueReceived,omitempty" mapstructure:"valueReceived"`
}

// Breakpoint is an enterprise value threshold priced as a call strike.
type Breakpoint struct {
	ID          string          `json:"id" yaml:"id" mapstructure:"id"`
	Value       float64         `json:"value" yaml:"value" mapstructure:"value"`
	Type        BreakpointType  `json:"type" yaml:"type" mapstructure:"type"`
	Allocations []Participation `json:"allocations" yaml:"allocations" mapstructure:"allocations"`
}

// Context is the input of one allocation. Option.CompanyValue is ignored and
// replaced with EnterpriseValue.
type Context struct {
	EnterpriseValue float64       `json:"enterpriseValue"`
	Option          option.Params `json:"option"`
	Breakpoints     []Breakpoint  `json:"breakpoints"`
	TotalShares     float64       `json:"totalShares"`
	// ClassShares maps a security class to its total share count. When empty
	// it is derived with ClassSharesFromBreakpoints.
	ClassShares map[string]float64 `json:"classShares,omitempty"`
}

// ClassAllocation is the value allocated to one security class.
type ClassAllocation struct {
	SecurityClass  string  `json:"securityClass"`
	Shares         float64 `json:"shares"`
	TotalValue     float64 `json:"totalValue"`
	ValuePerShare  float64 `json:"valuePerShare"`
	PercentOfTotal float64 `json:"percentOfTotal"`
}

// BreakpointActivity reports how a breakpoint was priced and what its
// tranche captured.
type BreakpointActivity struct {
	ID           string         `json:"id"`
	Type         BreakpointType `json:"type"`
	Value        float64        `json:"value"`
	Strike       float64        `json:"strike"`
	CallValue    float64        `json:"callValue"`
	TrancheValue float64        `json:"trancheValue"`
	Active       bool           `json:"active"`
}

// Result is the outcome of one allocation. Business-rule violations are
// reported through Valid and ValidationErrors.
type Result struct {
	EnterpriseValue       float64              `json:"enterpriseValue"`
	Classes               []ClassAllocation    `json:"classes"`
	Breakpoints           []BreakpointActivity `json:"breakpoints"`
	TotalValueDistributed float64              `json:"totalValueDistributed"`
	// UnallocatedValue lies below the lowest breakpoint.
	UnallocatedValue float64  `json:"unallocatedValue"`
	Valid            bool     `json:"valid"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

// FMVPerShare returns the value per share of securityClass, or 0 when the
// class received nothing.
func (r *Result) FMVPerShare(securityClass string) float64 {
	if r == nil {
		return 0
	}
	for _, c := range r.Classes {
		if c.SecurityClass == securityClass {
			return c.ValuePerShare
		}
	}
	return 0
}

// Class returns the allocation of securityClass if present.
func (r *Result) Class(securityClass string) (ClassAllocation, bool) {
	if r == nil {
		return ClassAllocation{}, false
	}
	for _, c := range r.Classes {
		if c.SecurityClass == securityClass {
			return c, true
		}
	}
	return ClassAllocation{}, false
}

// HasClass reports whether any breakpoint allocates to securityClass.
func HasClass(breakpoints []Breakpoint, securityClass string) bool {
	for _, bp := range breakpoints {
		for _, a := range bp.Allocations {
			if a.SecurityClass == securityClass {
				return true
			}
		}
	}
	return false
}

// MinValue returns the lowest breakpoint threshold, or 0 for no breakpoints.
func MinValue(breakpoints []Breakpoint) float64 {
	if len(breakpoints) == 0 {
		return 0
	}
	lowest := breakpoints[0].Value
	for _, bp := range breakpoints[1:] {
		if bp.Value < lowest {
			lowest = bp.Value
		}
	}
	return lowest
}
