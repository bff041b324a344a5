package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirphl/ema-trader/internal/metrics"
	"github.com/amirphl/ema-trader/internal/tfutils"
)

// ErrCloseUnsupported is returned by RequestClose when the ticker cannot close.
var ErrCloseUnsupported = errors.New("ticker does not support closing")

// Ticker is anything that can run one cycle.
type Ticker interface {
	Tick(ctx context.Context) (Result, error)
}

// Closer closes the open position outside the signal cycle.
type Closer interface {
	ClosePosition(ctx context.Context) (Result, error)
}

// Scheduler runs ticks on a minute-aligned timer and on request. At most one
// tick runs at a time; requests made while one is in flight are dropped.
type Scheduler struct {
	engine   Ticker
	interval time.Duration
	busy     atomic.Bool
	now      func() time.Time
	log      zerolog.Logger
}

type SchedulerOption func(*Scheduler)

// WithInterval sets the timer period. Defaults to one minute.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(engine Ticker, log zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: time.Minute,
		now:      time.Now,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Busy reports whether a tick is in flight.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// RequestTick runs a tick unless one is already running, and reports whether
// it ran. Tick errors are logged, not returned. A started tick is not
// cancelled with ctx.
func (s *Scheduler) RequestTick(ctx context.Context) bool {
	ran, _ := s.guarded(ctx, "tick", func(ctx context.Context) error {
		_, err := s.engine.Tick(ctx)
		return err
	})
	return ran
}

// RequestClose closes the open position through the same guard as ticks.
// It reports whether the close ran and returns its result and error.
func (s *Scheduler) RequestClose(ctx context.Context) (res Result, ran bool, err error) {
	c, ok := s.engine.(Closer)
	if !ok {
		return Result{}, false, ErrCloseUnsupported
	}
	ran, err = s.guarded(ctx, "close", func(ctx context.Context) error {
		var cerr error
		res, cerr = c.ClosePosition(ctx)
		return cerr
	})
	return res, ran, err
}

// guarded runs fn unless another guarded call is in flight. A panic in fn is
// logged and reported as an error; ran stays true.
func (s *Scheduler) guarded(ctx context.Context, name string, fn func(context.Context) error) (ran bool, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.TicksDropped.Inc()
		s.log.Debug().Str("op", name).Msg("tick in flight, request dropped")
		return false, nil
	}
	ran = true
	defer s.busy.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("op", name).Interface("panic", r).Msg("tick panicked")
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()

	if err = fn(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn().Str("op", name).Err(err).Msg("tick failed")
	}
	return ran, err
}

// Run ticks at every interval boundary until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	first := tfutils.NextBoundary(s.now(), s.interval)
	wait := first.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.log.Info().Time("first_tick", first).Dur("interval", s.interval).Msg("scheduler started")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("scheduler stopped")
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RequestTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RequestTick(ctx)
		}
	}
}
