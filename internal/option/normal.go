package option

import "math"

// Abramowitz & Stegun 26.2.17 coefficients.
const (
	cdfP  = 0.2316419
	cdfB1 = 0.319381530
	cdfB2 = -0.356563782
	cdfB3 = 1.781477937
	cdfB4 = -1.821255978
	cdfB5 = 1.330274429
)

var invSqrt2Pi = 1 / math.Sqrt(2*math.Pi)

// CumulativeNormal is the standard normal CDF via the five-term rational
// approximation (absolute error below 7.5e-8). Downstream tolerances are
// calibrated to this accuracy.
func CumulativeNormal(x float64) float64 {
	if x == 0 {
		return 0.5
	}
	if x < 0 {
		return 1 - CumulativeNormal(-x)
	}
	t := 1 / (1 + cdfP*x)
	poly := t * (cdfB1 + t*(cdfB2+t*(cdfB3+t*(cdfB4+t*cdfB5))))
	return 1 - Density(x)*poly
}

// Density is the standard normal probability density.
func Density(x float64) float64 {
	return invSqrt2Pi * math.Exp(-x*x/2)
}
