// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ProviderBinance = "binance"
	ProviderWallex  = "wallex"
)

// ErrMalformed marks a response that could not be turned into close prices.
var ErrMalformed = errors.New("malformed market data")

// MarketData is the interface for all supported close-price sources.
type MarketData interface {
	Name() string
	// FetchCloses returns up to limit most recent close prices, oldest first.
	FetchCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}

// Options configures a market data client.
type Options struct {
	APIKey    string
	APISecret string
	// BaseURL overrides the provider endpoint (binance only).
	BaseURL string
	// Retries is the number of attempts per fetch, at least 1.
	Retries int
	// RetryDelay is the first backoff step.
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// New returns the market data client for provider.
func New(provider string, opts Options) (MarketData, error) {
	switch strings.ToLower(provider) {
	case ProviderBinance, "":
		return NewBinanceExchange(opts), nil
	case ProviderWallex:
		return NewWallexExchange(opts), nil
	default:
		return nil, fmt.Errorf("unsupported market data provider: %q", provider)
	}
}

// NormalizeSymbol strips separators: "btc-usdt" -> "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(r.Replace(symbol))
}

func parseClose(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: close %q: %v", ErrMalformed, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: non-positive close %q", ErrMalformed, raw)
	}
	return v, nil
}

// tail keeps the last n values.
func tail(values []float64, n int) []float64 {
	if n > 0 && len(values) > n {
		return values[len(values)-n:]
	}
	return values
}
