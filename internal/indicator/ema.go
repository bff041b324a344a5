package indicator

// EMA returns the exponential moving average series of prices. The first point
// is the SMA of the first period prices, every following point applies the
// 2/(period+1) multiplier. The result has len(prices)-period+1 points.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}

	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)
	out = append(out, ema)

	for i := period; i < len(prices); i++ {
		ema = prices[i]*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}
