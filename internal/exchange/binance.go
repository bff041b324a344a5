package exchange

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
)

type BinanceExchange struct {
	client *binance.Client
	opts   Options
	log    zerolog.Logger
}

func NewBinanceExchange(opts Options) *BinanceExchange {
	client := binance.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	return &BinanceExchange{
		client: client,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "exchange").Str("provider", ProviderBinance).Logger(),
	}
}

func (b *BinanceExchange) Name() string {
	return ProviderBinance
}

func (b *BinanceExchange) FetchCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid kline limit: %d", limit)
	}

	var closes []float64
	err := retry(ctx, b.log, b.opts.Retries, b.opts.RetryDelay, func(ctx context.Context) error {
		klines, err := b.client.NewKlinesService().
			Symbol(NormalizeSymbol(symbol)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("fetching klines: %w", err)
		}

		out := make([]float64, 0, len(klines))
		for _, k := range klines {
			if k == nil {
				return fmt.Errorf("%w: nil kline", ErrMalformed)
			}
			c, err := parseClose(k.Close)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		closes = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s FetchCloses %s %s: %w", b.Name(), symbol, interval, err)
	}

	return tail(closes, limit), nil
}
