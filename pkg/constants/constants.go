// Package constants provides shared constants for the opm-valuation application.
package constants

// Numeric domain constants
const (
	// PercentageMultiplier is used for percentage conversions
	PercentageMultiplier = 100.0

	// DaysPerYear converts annual theta into per-day decay
	DaysPerYear = 365.0

	// DaysPerYearActual is the average year length used to turn date spans into years
	DaysPerYearActual = 365.25

	// DateLayout is the date format expected in valuation files
	DateLayout = "2006-01-02"

	// DefaultDecimalDigits is the number of significant digits carried by solver values
	DefaultDecimalDigits = 28
)

// Option pricing constants
const (
	// VolatilityWarningThreshold marks volatilities that are legal but suspicious
	VolatilityWarningThreshold = 3.0

	// TermWarningThreshold marks times to expiration (years) that are legal but suspicious
	TermWarningThreshold = 10.0

	// ZeroStrikeEpsilon replaces a zero breakpoint threshold when it is priced as a strike
	ZeroStrikeEpsilon = 0.00001

	// ImpliedVolatilityInitialGuess is the starting sigma for implied volatility searches
	ImpliedVolatilityInitialGuess = 0.5

	// ImpliedVolatilityMin is the lower clamp for implied volatility iterates
	ImpliedVolatilityMin = 0.01

	// ImpliedVolatilityMax is the upper clamp for implied volatility iterates
	ImpliedVolatilityMax = 5.0

	// ImpliedVolatilityTolerance is the default price tolerance for implied volatility
	ImpliedVolatilityTolerance = 1e-4

	// ImpliedVolatilityMaxIterations is the default iteration budget for implied volatility
	ImpliedVolatilityMaxIterations = 100

	// MinVega is the vega magnitude below which implied volatility gives up
	MinVega = 1e-10
)

// Allocation and backsolve constants
const (
	// ConservationTolerance is the fraction by which distributed value may exceed enterprise value
	ConservationTolerance = 0.01

	// BacksolveTolerance is the per-share residual accepted when verifying a backsolve
	BacksolveTolerance = 0.01

	// InitialGuessMultiplier scales target FMV times shares into a first enterprise value guess
	InitialGuessMultiplier = 1.5

	// LowerBoundFactor scales the initial guess into the default lower search bound
	LowerBoundFactor = 0.1

	// UpperBoundFactor scales the initial guess into the default upper search bound
	UpperBoundFactor = 10.0

	// ProbabilitySumTolerance is the absolute tolerance on scenario probability totals
	ProbabilitySumTolerance = 0.01
)

// Output format constants
const (
	// OutputFormatPretty is the human-readable output format
	OutputFormatPretty = "pretty"

	// OutputFormatJSON is the JSON output format
	OutputFormatJSON = "json"

	// OutputFormatYAML is the YAML output format
	OutputFormatYAML = "yaml"
)

// Configuration file constants
const (
	// DefaultConfigFile is the default valuation file name
	DefaultConfigFile = "config.yaml"

	// ExampleConfigFile is the example valuation file name
	ExampleConfigFile = "config.yaml.example"

	// DefaultServerConfigFile is the default server configuration file name
	DefaultServerConfigFile = "server-config.yaml"

	// EnvPrefix prefixes environment overrides of valuation settings
	EnvPrefix = "OPM"
)

// Server configuration defaults
const (
	// DefaultServerAddress is the default HTTP listen address for the API
	DefaultServerAddress = ":8080"

	// DefaultMaxBodySizeBytes is the default maximum JSON request size (1 MB)
	DefaultMaxBodySizeBytes int64 = 1024 * 1024

	// DefaultRequestTimeoutSeconds bounds a single API request
	DefaultRequestTimeoutSeconds = 30
)
