package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirphl/ema-trader/internal/journal"
	"github.com/amirphl/ema-trader/internal/metrics"
	"github.com/amirphl/ema-trader/internal/notifier"
	"github.com/amirphl/ema-trader/internal/strategy"
)

var (
	// ErrOpenExists is returned by stores when a second OPEN position would be
	// written for a symbol.
	ErrOpenExists = errors.New("an open position already exists for symbol")
	// ErrOpenFailed marks an open decision that could not be persisted.
	ErrOpenFailed = errors.New("open position not persisted")
	// ErrCloseFailed marks a close decision that could not be persisted.
	ErrCloseFailed = errors.New("close position not persisted")
	// ErrReconcile marks a failed store re-read after a close miss.
	ErrReconcile = errors.New("reconcile open position")
)

// Store is the durable position record the manager writes to.
type Store interface {
	RestoreOpen(ctx context.Context, symbol string) (*Position, error)
	InsertOpen(ctx context.Context, pos Position) (string, error)
	CloseIfOpen(ctx context.Context, id string, exit Exit) (*Position, error)
}

// Options tunes a Manager.
type Options struct {
	Qty float64
	// ReconcileOnCloseMiss re-reads the store for an OPEN record after a
	// conditional close matched nothing, and adopts it instead of opening.
	ReconcileOnCloseMiss bool
	Notifier             notifier.Notifier
	Journal              journal.Journaler
	Logger               zerolog.Logger
	Now                  func() time.Time
}

// Decision describes what one Apply or Close call did.
type Decision struct {
	Signal      strategy.Signal `json:"signal"`
	From        State           `json:"from"`
	To          State           `json:"to"`
	Closed      *Position       `json:"closed,omitempty"`
	Opened      *Position       `json:"opened,omitempty"`
	Adopted     *Position       `json:"adopted,omitempty"`
	CloseMissed bool            `json:"close_missed,omitempty"`
}

// Changed reports whether the state machine left its previous state.
func (d Decision) Changed() bool {
	return d.Closed != nil || d.Opened != nil || d.Adopted != nil || d.CloseMissed
}

// Manager owns the single in-memory open position of a symbol and is the only
// writer of positions. Decisions are serialized; readers get copies.
type Manager struct {
	symbol    string
	qty       float64
	reconcile bool
	store     Store
	notifier  notifier.Notifier
	journal   journal.Journaler
	log       zerolog.Logger
	now       func() time.Time

	opMu sync.Mutex

	mu   sync.RWMutex
	open *Position
}

// NewManager creates a FLAT manager. Call Restore before the first decision.
func NewManager(symbol string, store Store, opts Options) *Manager {
	qty := opts.Qty
	if qty <= 0 {
		qty = 1
	}
	n := opts.Notifier
	if n == nil {
		n = notifier.Nop{}
	}
	j := opts.Journal
	if j == nil {
		j = journal.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		symbol:    symbol,
		qty:       qty,
		reconcile: opts.ReconcileOnCloseMiss,
		store:     store,
		notifier:  n,
		journal:   j,
		log:       opts.Logger.With().Str("component", "position").Str("symbol", symbol).Logger(),
		now:       now,
	}
}

// Restore rebuilds the in-memory state from the newest OPEN record in the store.
func (m *Manager) Restore(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	pos, err := m.store.RestoreOpen(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("restore open position [%s]: %w", m.symbol, err)
	}
	m.setOpen(pos)

	if pos == nil {
		m.log.Info().Msg("restored state FLAT")
	} else {
		m.log.Info().Str("id", pos.ID).Str("state", string(StateOf(pos))).
			Float64("entry_price", pos.EntryPrice).Time("entry_time", pos.EntryTime).
			Msg("restored open position")
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StateOf(m.open)
}

// Current returns a copy of the open position, or nil when FLAT.
func (m *Manager) Current() *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.open == nil {
		return nil
	}
	cp := *m.open
	return &cp
}

func (m *Manager) Symbol() string { return m.symbol }

func (m *Manager) setOpen(p *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.open = nil
		return
	}
	cp := *p
	m.open = &cp
}

// Apply drives the state machine with a signal observed at q.
//
//	FLAT  + GOLDEN -> open LONG        FLAT  + DEATH -> open SHORT
//	LONG  + DEATH  -> close, open SHORT
//	SHORT + GOLDEN -> close, open LONG
//	anything else  -> no-op
//
// A flip is two independent store calls. A failed close aborts the cycle with
// the position still held; a failed open leaves the machine FLAT.
func (m *Manager) Apply(ctx context.Context, sig strategy.Signal, q Quote) (Decision, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Current()
	d := Decision{Signal: sig, From: StateOf(cur), To: StateOf(cur)}

	var target Type
	switch sig {
	case strategy.Golden:
		target = Long
	case strategy.Death:
		target = Short
	default:
		return d, nil
	}

	if cur != nil && cur.Type == target {
		return d, nil
	}

	if cur != nil {
		proceed, err := m.closeOpen(ctx, cur, q, &d)
		d.To = m.State()
		if err != nil || !proceed {
			return d, err
		}
	}

	opened, err := m.openNew(ctx, target, q)
	if err != nil {
		d.To = m.State()
		return d, err
	}
	d.Opened = opened
	d.To = m.State()
	return d, nil
}

// Close closes the open position at q without opening a new one.
func (m *Manager) Close(ctx context.Context, q Quote) (Decision, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Current()
	d := Decision{Signal: strategy.None, From: StateOf(cur), To: StateOf(cur)}
	if cur == nil {
		return d, nil
	}

	_, err := m.closeOpen(ctx, cur, q, &d)
	d.To = m.State()
	return d, err
}

// closeOpen closes cur and reports whether an open may follow in this cycle.
func (m *Manager) closeOpen(ctx context.Context, cur *Position, q Quote, d *Decision) (bool, error) {
	exit := cur.ExitAt(q)

	closed, err := m.store.CloseIfOpen(ctx, cur.ID, exit)
	if err != nil {
		m.log.Error().Err(err).Str("id", cur.ID).Msg("failed to close position")
		m.record(journal.TypeError, q.Time, "close not persisted: "+err.Error(), map[string]any{"id": cur.ID})
		return false, fmt.Errorf("%w [%s]: %w", ErrCloseFailed, cur.ID, err)
	}

	if closed != nil {
		m.setOpen(nil)
		d.Closed = closed
		metrics.PositionsClosed.WithLabelValues(string(closed.Type)).Inc()
		m.log.Info().Str("id", closed.ID).Str("type", string(closed.Type)).
			Float64("entry_price", closed.EntryPrice).Float64("exit_price", exit.Price).
			Float64("profit_loss", exit.ProfitLoss).Msg("closed position")
		m.notify(fmt.Sprintf("Closed %s %s at %.8g (entry %.8g, P&L %.8g)",
			closed.Type, m.symbol, exit.Price, closed.EntryPrice, exit.ProfitLoss))
		m.record(journal.TypeClose, q.Time, fmt.Sprintf("closed %s at %.8g", closed.Type, exit.Price), map[string]any{
			"id": closed.ID, "entry_price": closed.EntryPrice, "exit_price": exit.Price, "profit_loss": exit.ProfitLoss,
		})
		return true, nil
	}

	// No OPEN record matched: someone else closed it or the restore drifted.
	m.setOpen(nil)
	d.CloseMissed = true
	metrics.ReconciliationWarnings.Inc()
	m.log.Warn().Str("id", cur.ID).Str("type", string(cur.Type)).
		Msg("reconciliation: conditional close matched no open position, clearing in-memory state")
	m.notify(fmt.Sprintf("Reconciliation warning: %s %s position %s was not open in the store", m.symbol, cur.Type, cur.ID))
	m.record(journal.TypeCloseMiss, q.Time, fmt.Sprintf("%s position was not open in the store", cur.Type), map[string]any{"id": cur.ID})

	if !m.reconcile {
		return true, nil
	}

	stored, err := m.store.RestoreOpen(ctx, m.symbol)
	if err != nil {
		return false, fmt.Errorf("%w [%s]: %w", ErrReconcile, m.symbol, err)
	}
	if stored == nil {
		return true, nil
	}

	m.setOpen(stored)
	d.Adopted = stored
	m.log.Warn().Str("id", stored.ID).Str("type", string(stored.Type)).
		Msg("reconciliation: adopted open position found in store, skipping open this cycle")
	m.record(journal.TypeAdopt, q.Time, fmt.Sprintf("adopted stored %s position", stored.Type), map[string]any{"id": stored.ID})
	return false, nil
}

func (m *Manager) openNew(ctx context.Context, t Type, q Quote) (*Position, error) {
	now := m.now()
	pos := Position{
		ID:           uuid.NewString(),
		Symbol:       m.symbol,
		Status:       StatusOpen,
		Type:         t,
		Qty:          m.qty,
		EntryPrice:   q.Price,
		EntryTime:    q.Time,
		EntryFastEMA: q.FastEMA,
		EntrySlowEMA: q.SlowEMA,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	id, err := m.store.InsertOpen(ctx, pos)
	if err != nil {
		m.log.Error().Err(err).Str("type", string(t)).Float64("price", q.Price).Msg("failed to persist open position")
		m.record(journal.TypeError, q.Time, "open not persisted: "+err.Error(), map[string]any{"type": string(t)})
		return nil, fmt.Errorf("%w [%s %s]: %w", ErrOpenFailed, m.symbol, t, err)
	}
	pos.ID = id

	m.setOpen(&pos)
	metrics.PositionsOpened.WithLabelValues(string(t)).Inc()
	m.log.Info().Str("id", id).Str("type", string(t)).Float64("entry_price", q.Price).
		Float64("ema_fast", q.FastEMA).Float64("ema_slow", q.SlowEMA).Msg("opened position")
	m.notify(fmt.Sprintf("Opened %s %s at %.8g", t, m.symbol, q.Price))
	m.record(journal.TypeOpen, q.Time, fmt.Sprintf("opened %s at %.8g", t, q.Price), map[string]any{
		"id": id, "entry_price": q.Price, "ema_fast": q.FastEMA, "ema_slow": q.SlowEMA,
	})

	cp := pos
	return &cp, nil
}

func (m *Manager) notify(msg string) {
	if err := m.notifier.Send(msg); err != nil {
		m.log.Warn().Err(err).Msg("notification failed")
	}
}

func (m *Manager) record(typ string, at time.Time, desc string, data map[string]any) {
	data["symbol"] = m.symbol
	if err := m.journal.LogEvent(journal.Event{Time: at, Type: typ, Description: desc, Data: data}); err != nil {
		m.log.Warn().Err(err).Msg("journal write failed")
	}
}
