// Package metrics exposes the prometheus collectors of the trader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ema_trader_ticks_total", Help: "Tick engine runs by outcome"},
		[]string{"outcome"},
	)
	TicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ema_trader_ticks_dropped_total", Help: "Tick requests dropped because a tick was in flight"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "ema_trader_tick_duration_seconds", Help: "Tick engine run duration", Buckets: prometheus.DefBuckets},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ema_trader_signals_total", Help: "Crossover signals detected"},
		[]string{"signal"},
	)
	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ema_trader_positions_opened_total", Help: "Positions opened"},
		[]string{"type"},
	)
	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ema_trader_positions_closed_total", Help: "Positions closed"},
		[]string{"type"},
	)
	ReconciliationWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ema_trader_reconciliation_warnings_total", Help: "Conditional closes that matched no open record"},
	)
)

// Tick outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeFetchError       = "fetch_error"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeStoreError       = "store_error"
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TicksDropped,
		TickDuration,
		SignalsTotal,
		PositionsOpened,
		PositionsClosed,
		ReconciliationWarnings,
	)
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
