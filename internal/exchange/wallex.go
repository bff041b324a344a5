package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/ema-trader/internal/tfutils"
)

type candlesFunc func(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error)

// WallexExchange reads candles through wallex-go. Its Candles call takes no
// context and uses the default HTTP client, so at most one call is kept in
// flight; callers that find the slot taken wait for it or for ctx.
type WallexExchange struct {
	candles  candlesFunc
	inflight chan struct{}
	opts     Options
	log      zerolog.Logger
}

func NewWallexExchange(opts Options) *WallexExchange {
	client := wallex.New(wallex.ClientOptions{APIKey: opts.APIKey})
	return &WallexExchange{
		candles:  client.Candles,
		inflight: make(chan struct{}, 1),
		opts:     opts,
		log:      opts.Logger.With().Str("component", "exchange").Str("provider", ProviderWallex).Logger(),
	}
}

func (w *WallexExchange) Name() string {
	return ProviderWallex
}

// FetchCloses asks for a window a few bars wider than limit because wallex
// answers with whatever candles exist inside [start, end].
func (w *WallexExchange) FetchCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid candle limit: %d", limit)
	}
	resolution, err := tfutils.WallexResolution(interval)
	if err != nil {
		return nil, err
	}
	step, err := tfutils.ParseTimeframe(interval)
	if err != nil {
		return nil, err
	}

	end := time.Now().UTC()
	start := end.Add(-step * time.Duration(limit+2))

	var candles []*wallex.Candle
	err = retry(ctx, w.log, w.opts.Retries, w.opts.RetryDelay, func(ctx context.Context) error {
		select {
		case w.inflight <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("previous wallex request still running: %w", ctx.Err())
		}

		type result struct {
			candles []*wallex.Candle
			err     error
		}
		done := make(chan result, 1)
		go func() {
			defer func() { <-w.inflight }()
			c, err := w.candles(NormalizeSymbol(symbol), resolution, start, end)
			done <- result{c, err}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("fetching candles: %w", r.err)
			}
			candles = r.candles
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s FetchCloses %s %s: %w", w.Name(), symbol, interval, err)
	}

	closes, err := wallexCloses(candles)
	if err != nil {
		return nil, fmt.Errorf("%s FetchCloses %s %s: %w", w.Name(), symbol, interval, err)
	}
	return tail(closes, limit), nil
}

// wallexCloses orders candles by time and extracts their closes.
func wallexCloses(candles []*wallex.Candle) ([]float64, error) {
	sorted := make([]*wallex.Candle, 0, len(candles))
	for _, c := range candles {
		if c == nil {
			return nil, fmt.Errorf("%w: nil candle", ErrMalformed)
		}
		sorted = append(sorted, c)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	closes := make([]float64, 0, len(sorted))
	for _, c := range sorted {
		v, err := parseClose(string(c.Close))
		if err != nil {
			return nil, err
		}
		closes = append(closes, v)
	}
	return closes, nil
}
