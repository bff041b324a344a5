package indicator

// Series computes an indicator series over values for a period. Implementations
// return nil when values are too short for a single output point.
type Series func(values []float64, period int) []float64

var _ Series = EMA
