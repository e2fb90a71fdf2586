package format

import (
	"math"
	"testing"
)

func TestCurrency(t *testing.T) {
	tests := []struct {
		amount   float64
		expected string
	}{
		{0, "$0.00"},
		{999.999, "$1,000.00"},
		{1234.5, "$1,234.50"},
		{-1234567.891, "-$1,234,567.89"},
		{10000000, "$10,000,000.00"},
		{-0.001, "$0.00"},
	}

	for _, tt := range tests {
		if got := Currency(tt.amount); got != tt.expected {
			t.Errorf("Currency(%v) = %q, expected %q", tt.amount, got, tt.expected)
		}
	}
}

func TestPerShare(t *testing.T) {
	tests := []struct {
		amount   float64
		expected string
	}{
		{0.43216, "$0.4322"},
		{10, "$10.0000"},
		{1234.5, "$1,234.5000"},
		{-2.5, "-$2.5000"},
	}

	for _, tt := range tests {
		if got := PerShare(tt.amount); got != tt.expected {
			t.Errorf("PerShare(%v) = %q, expected %q", tt.amount, got, tt.expected)
		}
	}
}

func TestSharesAndPercent(t *testing.T) {
	if got := Shares(8000000); got != "8,000,000" {
		t.Errorf("Shares(8000000) = %q", got)
	}
	if got := Shares(999); got != "999" {
		t.Errorf("Shares(999) = %q", got)
	}
	if got := Percent(37.5); got != "37.50%" {
		t.Errorf("Percent(37.5) = %q", got)
	}
}

func TestNonFinite(t *testing.T) {
	if got := Currency(math.Inf(1)); got != "+Inf" {
		t.Errorf("Currency(+Inf) = %q", got)
	}
	if got := PerShare(math.NaN()); got != "NaN" {
		t.Errorf("PerShare(NaN) = %q", got)
	}
}
