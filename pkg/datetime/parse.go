// Package datetime converts valuation and exit dates into option terms.
package datetime

import (
	"fmt"
	"time"

	"github.com/iwvelando/opm-valuation/pkg/constants"
)

const (
	// DateLayout is the format expected in valuation files.
	DateLayout = constants.DateLayout
)

// YearsBetween returns the time from valuationDate to exitDate in years of
// 365.25 days. The exit must fall strictly after the valuation date.
func YearsBetween(valuationDate, exitDate string) (float64, error) {
	before, err := DateBeforeDate(valuationDate, exitDate)
	if err != nil {
		return 0, err
	}
	if !before {
		return 0, fmt.Errorf("exit date %s must be after valuation date %s", exitDate, valuationDate)
	}
	start, _ := time.Parse(DateLayout, valuationDate)
	end, _ := time.Parse(DateLayout, exitDate)
	days := end.Sub(start).Hours() / 24
	return days / constants.DaysPerYearActual, nil
}

// DateBeforeDate returns true if firstDate is strictly before secondDate.
func DateBeforeDate(firstDate string, secondDate string) (bool, error) {
	firstDateT, err := time.Parse(DateLayout, firstDate)
	if err != nil {
		return false, fmt.Errorf("invalid date %q: %w", firstDate, err)
	}
	secondDateT, err := time.Parse(DateLayout, secondDate)
	if err != nil {
		return false, fmt.Errorf("invalid date %q: %w", secondDate, err)
	}
	return firstDateT.Before(secondDateT), nil
}
