package features

import "math"

// realizedVolatility is the sample standard deviation of log returns between
// consecutive samples, per sample (not annualized). Zero with fewer than
// three samples.
func realizedVolatility(samples []Sample) float64 {
	if len(samples) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(samples)-1)
	sum := 0.0
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1].Price, samples[i].Price
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		returns = append(returns, r)
		sum += r
	}
	if len(returns) < 2 {
		return 0
	}

	mean := sum / float64(len(returns))
	sumSqDev := 0.0
	for _, r := range returns {
		d := r - mean
		sumSqDev += d * d
	}
	// Bessel's correction.
	return math.Sqrt(sumSqDev / float64(len(returns)-1))
}
