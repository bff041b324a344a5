// Package engine runs the fetch, indicator, signal and position cycle for one
// symbol and schedules it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirphl/ema-trader/internal/indicator"
	"github.com/amirphl/ema-trader/internal/metrics"
	"github.com/amirphl/ema-trader/internal/position"
	"github.com/amirphl/ema-trader/internal/strategy"
)

var (
	ErrFetch            = errors.New("fetch closes")
	ErrInsufficientData = errors.New("insufficient data for indicator")
)

const (
	DefaultMargin       = 2
	DefaultFetchTimeout = 10 * time.Second
)

// PriceSource supplies close prices, oldest first.
type PriceSource interface {
	FetchCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}

// Positions is the state machine the engine drives.
type Positions interface {
	Apply(ctx context.Context, sig strategy.Signal, q position.Quote) (position.Decision, error)
	Close(ctx context.Context, q position.Quote) (position.Decision, error)
	State() position.State
	Current() *position.Position
}

type Config struct {
	Symbol     string
	Interval   string
	FastPeriod int
	SlowPeriod int
	// Margin is the number of closes fetched beyond SlowPeriod.
	Margin       int
	FetchTimeout time.Duration
}

// Result is the outcome of one tick.
type Result struct {
	Price     float64            `json:"price"`
	Crossover strategy.Crossover `json:"crossover"`
	Signal    strategy.Signal    `json:"signal"`
	Decision  position.Decision  `json:"decision"`
	Time      time.Time          `json:"time"`
}

type Engine struct {
	cfg       Config
	source    PriceSource
	positions Positions
	cache     *Cache
	ema       indicator.Series
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Engine)

// WithEMA replaces the moving average routine.
func WithEMA(fn indicator.Series) Option {
	return func(e *Engine) { e.ema = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, source PriceSource, positions Positions, cache *Cache, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.Margin < 1 {
		cfg.Margin = DefaultMargin
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	e := &Engine{
		cfg:       cfg,
		source:    source,
		positions: positions,
		cache:     cache,
		ema:       indicator.EMA,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "engine").Str("symbol", cfg.Symbol).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Cache() *Cache { return e.cache }

// Tick runs one full cycle. The snapshot is refreshed whenever indicators
// could be computed, including when the position update failed.
func (e *Engine) Tick(ctx context.Context) (res Result, err error) {
	start := time.Now()
	outcome := metrics.OutcomeOK
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		metrics.TicksTotal.WithLabelValues(outcome).Inc()
	}()

	closes, err := e.fetch(ctx)
	if err != nil {
		outcome = metrics.OutcomeFetchError
		return Result{}, err
	}

	fast := e.ema(closes, e.cfg.FastPeriod)
	slow := e.ema(closes, e.cfg.SlowPeriod)
	cross, ok := strategy.FromSeries(fast, slow)
	if !ok {
		outcome = metrics.OutcomeInsufficientData
		e.log.Warn().Int("closes", len(closes)).Int("fast_points", len(fast)).Int("slow_points", len(slow)).
			Msg("not enough data for crossover")
		return Result{}, fmt.Errorf("%w: %d closes, fast=%d slow=%d points", ErrInsufficientData, len(closes), len(fast), len(slow))
	}

	now := e.now()
	price := closes[len(closes)-1]
	sig := cross.Signal()
	metrics.SignalsTotal.WithLabelValues(string(sig)).Inc()

	res = Result{Price: price, Crossover: cross, Signal: sig, Time: now}

	decision, applyErr := e.positions.Apply(ctx, sig, position.Quote{
		Price:   price,
		FastEMA: cross.Fast,
		SlowEMA: cross.Slow,
		Time:    now,
	})
	res.Decision = decision

	e.snapshot(price, cross, sig, now)

	if applyErr != nil {
		outcome = metrics.OutcomeStoreError
		e.log.Error().Err(applyErr).Str("signal", string(sig)).Msg("position update failed")
		return res, applyErr
	}

	ev := e.log.Debug()
	if sig != strategy.None {
		ev = e.log.Info()
	}
	ev.Float64("price", price).Str("signal", string(sig)).Str("crossover", cross.String()).
		Str("from", string(decision.From)).Str("to", string(decision.To)).Msg("tick")

	return res, nil
}

// ClosePosition closes the open position at the latest close without waiting
// for a crossover. EMAs are recorded on the exit when history allows.
func (e *Engine) ClosePosition(ctx context.Context) (Result, error) {
	closes, err := e.fetch(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(closes) == 0 {
		return Result{}, fmt.Errorf("%w: no closes", ErrInsufficientData)
	}

	now := e.now()
	price := closes[len(closes)-1]
	cross, ok := strategy.FromSeries(e.ema(closes, e.cfg.FastPeriod), e.ema(closes, e.cfg.SlowPeriod))

	res := Result{Price: price, Crossover: cross, Signal: strategy.None, Time: now}
	decision, err := e.positions.Close(ctx, position.Quote{
		Price:   price,
		FastEMA: cross.Fast,
		SlowEMA: cross.Slow,
		Time:    now,
	})
	res.Decision = decision
	if ok {
		e.snapshot(price, cross, strategy.None, now)
	}
	if err != nil {
		e.log.Error().Err(err).Msg("explicit close failed")
		return res, err
	}

	e.log.Info().Float64("price", price).Str("from", string(decision.From)).Str("to", string(decision.To)).
		Msg("explicit close")
	return res, nil
}

func (e *Engine) fetch(ctx context.Context) ([]float64, error) {
	limit := e.cfg.SlowPeriod + e.cfg.Margin

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	closes, err := e.source.FetchCloses(fetchCtx, e.cfg.Symbol, e.cfg.Interval, limit)
	if err != nil {
		e.log.Error().Err(err).Int("limit", limit).Msg("failed to fetch closes")
		return nil, fmt.Errorf("%w [%s %s]: %w", ErrFetch, e.cfg.Symbol, e.cfg.Interval, err)
	}
	return closes, nil
}

func (e *Engine) snapshot(price float64, cross strategy.Crossover, sig strategy.Signal, at time.Time) {
	e.cache.Set(Snapshot{
		Symbol:    e.cfg.Symbol,
		Price:     price,
		FastEMA:   cross.Fast,
		SlowEMA:   cross.Slow,
		Signal:    sig,
		State:     e.positions.State(),
		Position:  e.positions.Current(),
		UpdatedAt: at,
	})
}
