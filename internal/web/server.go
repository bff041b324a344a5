// Package web serves the read-only JSON view of the trader plus manual tick
// and close triggers.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirphl/ema-trader/internal/engine"
	"github.com/amirphl/ema-trader/internal/journal"
	"github.com/amirphl/ema-trader/internal/metrics"
	"github.com/amirphl/ema-trader/internal/position"
)

const (
	DefaultOrdersLimit = 50
	MaxOrdersLimit     = 500
	DefaultStaleAfter  = 90 * time.Second
)

// Store is the read side of the position store.
type Store interface {
	OpenBySymbol(ctx context.Context, symbol string) ([]position.Position, error)
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]position.Position, error)
	SumClosedPnL(ctx context.Context, symbol string) (float64, int, error)
	Ping(ctx context.Context) error
}

// Trigger runs guarded ticks and explicit closes.
type Trigger interface {
	RequestTick(ctx context.Context) bool
	RequestClose(ctx context.Context) (engine.Result, bool, error)
	Busy() bool
}

// Journal is the read side of the decision journal.
type Journal interface {
	GetEvents(eventType string, start, end time.Time) ([]journal.Event, error)
}

type Positions interface {
	State() position.State
	Current() *position.Position
}

// Info is the static configuration summary shown by /health.
type Info struct {
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	FastPeriod  int    `json:"fast_period"`
	SlowPeriod  int    `json:"slow_period"`
	Provider    string `json:"provider"`
	StoreDriver string `json:"store_driver"`
	DryRun      bool   `json:"dry_run"`
}

type Server struct {
	info       Info
	store      Store
	trigger    Trigger
	positions  Positions
	cache      *engine.Cache
	journal    Journal
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	srv *http.Server
}

type Option func(*Server)

// WithJournal exposes j on GET /journal.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

func NewServer(info Info, store Store, trigger Trigger, positions Positions, cache *engine.Cache, staleAfter time.Duration, log zerolog.Logger, opts ...Option) *Server {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	s := &Server{
		info:       info,
		store:      store,
		trigger:    trigger,
		positions:  positions,
		cache:      cache,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		journal:    journal.Nop{},
		log:        log.With().Str("component", "web").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /price", s.handlePrice)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /pnl", s.handlePnL)
	mux.HandleFunc("GET /positions/open", s.handleOpenPositions)
	mux.HandleFunc("GET /journal", s.handleJournal)
	mux.HandleFunc("POST /tick", s.handleTick)
	mux.HandleFunc("POST /close", s.handleClose)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start listens on addr in the background. Listen errors are returned
// immediately; serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("web server started")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("web server error")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type openSummary struct {
	ID         string        `json:"id"`
	Type       position.Type `json:"position_type"`
	EntryPrice float64       `json:"entry_price"`
	EntryTime  time.Time     `json:"entry_time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		storeStatus = "error: " + err.Error()
	}

	resp := map[string]any{
		"status":      "ok",
		"config":      s.info,
		"store":       storeStatus,
		"state":       s.positions.State(),
		"tick_busy":   s.trigger.Busy(),
		"stale_after": s.staleAfter.String(),
	}
	if p := s.positions.Current(); p != nil {
		resp["open_position"] = openSummary{ID: p.ID, Type: p.Type, EntryPrice: p.EntryPrice, EntryTime: p.EntryTime}
	}
	if snap, ok := s.cache.Get(); ok {
		resp["last_tick"] = snap.UpdatedAt
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.cache.IsStale(s.now(), s.staleAfter) {
		s.trigger.RequestTick(r.Context())
	}

	snap, ok := s.cache.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no price snapshot yet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"stale":    s.cache.IsStale(s.now(), s.staleAfter),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := DefaultOrdersLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxOrdersLimit)
	}

	positions, err := s.store.ListBySymbol(r.Context(), s.info.Symbol, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if positions == nil {
		positions = []position.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": s.info.Symbol,
		"limit":  limit,
		"orders": positions,
	})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	total, count, err := s.store.SumClosedPnL(r.Context(), s.info.Symbol)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": s.info.Symbol,
		"total":  total,
		"count":  count,
	})
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.OpenBySymbol(r.Context(), s.info.Symbol)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if open == nil {
		open = []position.Position{}
	}
	if len(open) > 1 {
		s.log.Warn().Int("count", len(open)).Msg("more than one open position in store")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    s.info.Symbol,
		"positions": open,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	limit := DefaultOrdersLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxOrdersLimit)
	}

	events, err := s.journal.GetEvents(q.Get("type"), since, time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	ran := s.trigger.RequestTick(r.Context())

	resp := map[string]any{"ran": ran}
	if !ran {
		resp["reason"] = "tick already in progress"
	}
	if snap, ok := s.cache.Get(); ok {
		resp["snapshot"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	res, ran, err := s.trigger.RequestClose(r.Context())
	if !ran {
		writeError(w, http.StatusConflict, "tick already in progress")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("explicit close failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"closed":   res.Decision.Closed != nil,
		"price":    res.Price,
		"decision": res.Decision,
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("store query failed")
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
