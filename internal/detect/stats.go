package detect

import (
	"fmt"
	"math"
)

// mean returns the arithmetic mean, 0 for an empty slice.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev returns the population standard deviation.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// tailOf returns the last n elements, or the whole slice when shorter.
func tailOf(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

// autocorrelation computes the normalized autocorrelation function up to
// maxLag. acf[0] is 1 unless the series has zero variance, in which case
// every entry is 0.
func autocorrelation(values []float64, maxLag int) []float64 {
	acf := make([]float64, maxLag+1)
	n := len(values)
	if n == 0 {
		return acf
	}
	m := mean(values)

	variance := 0.0
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	variance /= float64(n)

	if variance == 0 {
		return acf
	}
	acf[0] = 1.0

	for lag := 1; lag <= maxLag && lag < n; lag++ {
		covariance := 0.0
		for i := lag; i < n; i++ {
			covariance += (values[i] - m) * (values[i-lag] - m)
		}
		covariance /= float64(n)
		acf[lag] = covariance / variance
	}
	return acf
}

// linearSlope fits a least-squares line over values indexed 0..n-1 and
// returns its slope.
func linearSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// validateSeries rejects empty series and non-finite samples.
func validateSeries(values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("empty series")
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite value at index %d", i)
		}
	}
	return nil
}
