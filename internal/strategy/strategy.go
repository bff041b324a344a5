// Package strategy
package strategy

import "fmt"

// Signal is the crossover event produced by comparing two consecutive EMA pairs.
type Signal string

const (
	None   Signal = "NONE"
	Golden Signal = "GOLDEN" // fast crossed above slow
	Death  Signal = "DEATH"  // fast crossed below slow
)

// Detect classifies the crossover between the previous and current fast/slow
// EMA pairs. Equality on either side never produces a signal.
func Detect(prevFast, prevSlow, fast, slow float64) Signal {
	switch {
	case prevFast < prevSlow && fast > slow:
		return Golden
	case prevFast > prevSlow && fast < slow:
		return Death
	default:
		return None
	}
}

// Crossover carries the EMA pairs a signal was derived from.
type Crossover struct {
	PrevFast float64 `json:"prev_fast"`
	PrevSlow float64 `json:"prev_slow"`
	Fast     float64 `json:"fast"`
	Slow     float64 `json:"slow"`
}

// Signal runs Detect over the pairs.
func (c Crossover) Signal() Signal {
	return Detect(c.PrevFast, c.PrevSlow, c.Fast, c.Slow)
}

// FromSeries takes the trailing two points of each series. It returns false
// when either series has fewer than two points.
func FromSeries(fast, slow []float64) (Crossover, bool) {
	if len(fast) < 2 || len(slow) < 2 {
		return Crossover{}, false
	}
	return Crossover{
		PrevFast: fast[len(fast)-2],
		PrevSlow: slow[len(slow)-2],
		Fast:     fast[len(fast)-1],
		Slow:     slow[len(slow)-1],
	}, true
}

func (c Crossover) String() string {
	return fmt.Sprintf("fast %.6f->%.6f slow %.6f->%.6f", c.PrevFast, c.Fast, c.PrevSlow, c.Slow)
}
