// Package utils
package utils

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a JSON logger at the given level. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Str("app", "ema-trader").Logger().Level(lvl)
}
