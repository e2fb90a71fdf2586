// Package config defines the valuation file layout and loads it with viper.
// A valuation file describes one cap table and one calculation mode; the
// helpers in this package turn it into requests for the valuation engines.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/datetime"
	"github.com/iwvelando/opm-valuation/pkg/precision"
	"github.com/spf13/viper"
)

// Calculation modes.
const (
	ModePrice     = "price"
	ModeAllocate  = "allocate"
	ModeBacksolve = "backsolve"
	ModeWeighted  = "weighted"
)

// Configuration holds a complete valuation file.
type Configuration struct {
	Mode      string          `yaml:"mode" mapstructure:"mode"`
	Logging   LoggingConfig   `yaml:"logging,omitempty" mapstructure:"logging"`
	Output    OutputConfig    `yaml:"output,omitempty" mapstructure:"output"`
	Precision PrecisionConfig `yaml:"precision,omitempty" mapstructure:"precision"`
	Option    OptionConfig    `yaml:"option" mapstructure:"option"`
	CapTable  CapTableConfig  `yaml:"capTable" mapstructure:"capTable"`
	Valuation ValuationConfig `yaml:"valuation" mapstructure:"valuation"`
	Solver    *SolverConfig   `yaml:"solver,omitempty" mapstructure:"solver"`
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty" mapstructure:"level"`           // debug, info, warn, error
	Format     string `yaml:"format,omitempty" mapstructure:"format"`         // json, console
	OutputFile string `yaml:"outputFile,omitempty" mapstructure:"outputFile"` // optional file output
}

// OutputConfig holds output format configuration options
type OutputConfig struct {
	Format string `yaml:"format,omitempty" mapstructure:"format"` // pretty, json, yaml
}

// PrecisionConfig selects the decimal precision of solver values.
type PrecisionConfig struct {
	Digits   int32  `yaml:"digits,omitempty" mapstructure:"digits"`
	Rounding string `yaml:"rounding,omitempty" mapstructure:"rounding"` // half_up, half_even, down
}

// OptionConfig holds Black-Scholes inputs. CompanyValue and StrikePrice are
// only read in price mode; allocations price at the enterprise value and at
// each breakpoint.
type OptionConfig struct {
	CompanyValue     float64 `yaml:"companyValue,omitempty" mapstructure:"companyValue"`
	StrikePrice      float64 `yaml:"strikePrice,omitempty" mapstructure:"strikePrice"`
	TimeToExpiration float64 `yaml:"timeToExpiration" mapstructure:"timeToExpiration"`
	Volatility       float64 `yaml:"volatility" mapstructure:"volatility"`
	RiskFreeRate     float64 `yaml:"riskFreeRate" mapstructure:"riskFreeRate"`
	DividendYield    float64 `yaml:"dividendYield,omitempty" mapstructure:"dividendYield"`
	MarketPrice      float64 `yaml:"marketPrice,omitempty" mapstructure:"marketPrice"` // implied volatility in price mode
	// ExitDate (YYYY-MM-DD) sets TimeToExpiration from valuation.valuationDate
	// when TimeToExpiration is zero.
	ExitDate string `yaml:"exitDate,omitempty" mapstructure:"exitDate"`
}

// CapTableConfig is the capitalization structure. Classes are a list rather
// than a map so that class names keep their case through viper.
type CapTableConfig struct {
	TotalShares float64            `yaml:"totalShares" mapstructure:"totalShares"`
	Classes     []ClassConfig      `yaml:"classes,omitempty" mapstructure:"classes"`
	Breakpoints []BreakpointConfig `yaml:"breakpoints" mapstructure:"breakpoints"`
}

// ClassConfig is a security class and its total share count.
type ClassConfig struct {
	Name   string  `yaml:"name" mapstructure:"name"`
	Shares float64 `yaml:"shares" mapstructure:"shares"`
}

// BreakpointConfig is one breakpoint of the cap table.
type BreakpointConfig struct {
	ID          string                `yaml:"id" mapstructure:"id"`
	Value       float64               `yaml:"value" mapstructure:"value"`
	Type        string                `yaml:"type,omitempty" mapstructure:"type"`
	Allocations []ParticipationConfig `yaml:"allocations" mapstructure:"allocations"`
}

// ParticipationConfig is a class's share of a breakpoint tranche.
type ParticipationConfig struct {
	SecurityClass string  `yaml:"securityClass" mapstructure:"securityClass"`
	Ratio         float64 `yaml:"ratio" mapstructure:"ratio"`
	Shares        float64 `yaml:"shares,omitempty" mapstructure:"shares"`
}

// ValuationConfig holds the mode-specific inputs.
type ValuationConfig struct {
	ValuationDate     string           `yaml:"valuationDate,omitempty" mapstructure:"valuationDate"`
	EnterpriseValue   float64          `yaml:"enterpriseValue,omitempty" mapstructure:"enterpriseValue"`
	TargetFMV         float64          `yaml:"targetFmv,omitempty" mapstructure:"targetFmv"`
	SecurityClass     string           `yaml:"securityClass,omitempty" mapstructure:"securityClass"`
	ProbabilityFormat string           `yaml:"probabilityFormat,omitempty" mapstructure:"probabilityFormat"`
	Scenarios         []ScenarioConfig `yaml:"scenarios,omitempty" mapstructure:"scenarios"`
}

// ScenarioConfig is one weighted-backsolve scenario. Option, when present,
// replaces the top-level option inputs for this scenario.
type ScenarioConfig struct {
	Name            string             `yaml:"name" mapstructure:"name"`
	Probability     float64            `yaml:"probability" mapstructure:"probability"`
	EnterpriseValue float64            `yaml:"enterpriseValue,omitempty" mapstructure:"enterpriseValue"`
	Unknown         bool               `yaml:"unknown,omitempty" mapstructure:"unknown"`
	Option          *OptionConfig      `yaml:"option,omitempty" mapstructure:"option"`
	Breakpoints     []BreakpointConfig `yaml:"breakpoints,omitempty" mapstructure:"breakpoints"`
}

// LoadConfiguration takes a file path as input and loads the YAML-formatted
// configuration there. Scalar settings can be overridden from the
// environment, e.g. OPM_VALUATION_TARGETFMV.
func LoadConfiguration(configPath string) (*Configuration, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file, %s", err)
	}
	return decode(v)
}

// LoadConfigurationFromReader loads a YAML valuation from r.
func LoadConfigurationFromReader(r io.Reader) (*Configuration, error) {
	v := newViper()
	v.SetConfigType("yml")

	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("error reading config data, %s", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Configuration, error) {
	var configuration Configuration
	if err := v.Unmarshal(&configuration); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %s", err)
	}
	configuration.Mode = strings.ToLower(strings.TrimSpace(configuration.Mode))
	switch configuration.Mode {
	case ModePrice, ModeAllocate, ModeBacksolve, ModeWeighted:
	case "":
		return nil, fmt.Errorf("configuration is missing a mode (%s, %s, %s or %s)",
			ModePrice, ModeAllocate, ModeBacksolve, ModeWeighted)
	default:
		return nil, fmt.Errorf("unsupported mode %q", configuration.Mode)
	}
	if err := configuration.resolveTerms(); err != nil {
		return nil, err
	}
	return &configuration, nil
}

// resolveTerms derives times to expiration from exit dates.
func (c *Configuration) resolveTerms() error {
	resolve := func(o *OptionConfig, scope string) error {
		if o == nil || o.ExitDate == "" || o.TimeToExpiration != 0 {
			return nil
		}
		if c.Valuation.ValuationDate == "" {
			return fmt.Errorf("%s exitDate requires valuation.valuationDate", scope)
		}
		years, err := datetime.YearsBetween(c.Valuation.ValuationDate, o.ExitDate)
		if err != nil {
			return fmt.Errorf("%s: %w", scope, err)
		}
		o.TimeToExpiration = years
		return nil
	}

	if err := resolve(&c.Option, "option"); err != nil {
		return err
	}
	for i := range c.Valuation.Scenarios {
		if err := resolve(c.Valuation.Scenarios[i].Option, fmt.Sprintf("scenario %s option", c.Valuation.Scenarios[i].Name)); err != nil {
			return err
		}
	}
	return nil
}

// PrecisionContext builds the solver precision model; unset fields take the
// defaults of precision.Default.
func (c *Configuration) PrecisionContext() (precision.Context, error) {
	digits := c.Precision.Digits
	if digits == 0 {
		digits = constants.DefaultDecimalDigits
	}
	return precision.New(digits, c.Precision.Rounding)
}

// Params converts the option inputs.
func (o OptionConfig) Params() option.Params {
	return option.Params{
		CompanyValue:     o.CompanyValue,
		StrikePrice:      o.StrikePrice,
		TimeToExpiration: o.TimeToExpiration,
		Volatility:       o.Volatility,
		RiskFreeRate:     o.RiskFreeRate,
		DividendYield:    o.DividendYield,
	}
}

// ToBreakpoints converts configured breakpoints into engine breakpoints.
func ToBreakpoints(configured []BreakpointConfig) []opm.Breakpoint {
	if len(configured) == 0 {
		return nil
	}
	breakpoints := make([]opm.Breakpoint, 0, len(configured))
	for i, bp := range configured {
		converted := opm.Breakpoint{
			ID:    bp.id(i),
			Value: bp.Value,
			Type:  opm.BreakpointType(strings.ToLower(strings.TrimSpace(bp.Type))),
		}
		for _, a := range bp.Allocations {
			converted.Allocations = append(converted.Allocations, opm.Participation{
				SecurityClass: a.SecurityClass,
				Ratio:         a.Ratio,
				Shares:        a.Shares,
			})
		}
		breakpoints = append(breakpoints, converted)
	}
	return breakpoints
}

// id is the configured ID, or bp-N from the breakpoint's position.
func (b BreakpointConfig) id(index int) string {
	if b.ID != "" {
		return b.ID
	}
	return fmt.Sprintf("bp-%d", index+1)
}

// ClassShares returns the class to share count mapping, or nil when no
// classes are configured.
func (c CapTableConfig) ClassShares() map[string]float64 {
	if len(c.Classes) == 0 {
		return nil
	}
	shares := make(map[string]float64, len(c.Classes))
	for _, class := range c.Classes {
		shares[class.Name] += class.Shares
	}
	return shares
}
