package tfutils

import (
	"fmt"
	"time"
)

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := timeframes[timeframe]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %q", timeframe)
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, or 0 if unknown
func GetTimeframeDuration(timeframe string) time.Duration {
	return timeframes[timeframe]
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

var wallexResolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "1D",
}

// WallexResolution maps a timeframe to the resolution string of the Wallex
// candles endpoint.
func WallexResolution(timeframe string) (string, error) {
	r, ok := wallexResolutions[timeframe]
	if !ok {
		return "", fmt.Errorf("timeframe %q has no wallex resolution", timeframe)
	}
	return r, nil
}

// NextBoundary returns the first instant strictly after t that is a multiple of step.
func NextBoundary(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	return t.Truncate(step).Add(step)
}
