package features

// rsi is Wilder's relative strength index over period, in [0, 100].
// Fewer than period+1 samples read as neutral (50).
func rsi(samples []Sample, period int) float64 {
	if len(samples) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := samples[i].Price - samples[i-1].Price
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(samples); i++ {
		d := samples[i].Price - samples[i-1].Price
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ema returns the exponential moving average of values, seeded with the
// simple average of the first period values. out[i] is valid for i >= period-1.
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) < period {
		return out
	}
	k := 2 / float64(period+1)

	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// macdHistogram is MACD line minus its signal line at the latest sample.
// Zero until slow+signal-1 samples are available.
func macdHistogram(samples []Sample, fast, slow, signal int) float64 {
	if len(samples) < slow+signal-1 {
		return 0
	}
	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	fastEMA := ema(prices, fast)
	slowEMA := ema(prices, slow)

	line := make([]float64, 0, len(prices)-slow+1)
	for i := slow - 1; i < len(prices); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sig := ema(line, signal)
	last := len(line) - 1
	return line[last] - sig[last]
}

// stochasticK is %K: where the latest price sits within the high/low range
// of the last period samples, in [0, 100]. A flat range reads 50.
func stochasticK(samples []Sample, period int) float64 {
	if len(samples) == 0 {
		return 50
	}
	window := tail(samples, period)
	high, low := window[0].High, window[0].Low
	for _, s := range window[1:] {
		if s.High > high {
			high = s.High
		}
		if s.Low < low {
			low = s.Low
		}
	}
	if high == low {
		return 50
	}
	return (window[len(window)-1].Price - low) / (high - low) * 100
}
