// Package position
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

type Type string

const (
	Long  Type = "LONG"
	Short Type = "SHORT"
)

func (t Type) Valid() bool { return t == Long || t == Short }

// State is the state machine view of the open position.
type State string

const (
	Flat       State = "FLAT"
	StateLong  State = "LONG"
	StateShort State = "SHORT"
)

// StateOf maps an open position (or nil) to its state.
func StateOf(p *Position) State {
	switch {
	case p == nil:
		return Flat
	case p.Type == Short:
		return StateShort
	default:
		return StateLong
	}
}

var ErrInvalidPosition = errors.New("invalid position")

// Position is the persisted lifecycle record. Entry fields are fixed at open;
// Exit is nil while the position is OPEN and set once when it is CLOSED.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Status       Status    `json:"status"`
	Type         Type      `json:"position_type"`
	Qty          float64   `json:"qty"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	EntryFastEMA float64   `json:"entry_ema_fast"`
	EntrySlowEMA float64   `json:"entry_ema_slow"`
	Exit         *Exit     `json:"exit,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Exit holds the fields written when a position is closed.
type Exit struct {
	Price      float64   `json:"exit_price"`
	Time       time.Time `json:"exit_time"`
	FastEMA    float64   `json:"exit_ema_fast"`
	SlowEMA    float64   `json:"exit_ema_slow"`
	ProfitLoss float64   `json:"profit_loss"`
}

// Validate checks the field set required by the position status.
func (p Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPosition)
	}
	if p.Symbol == "" {
		return fmt.Errorf("%w [%s]: empty symbol", ErrInvalidPosition, p.ID)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w [%s]: unknown type %q", ErrInvalidPosition, p.ID, p.Type)
	}
	if p.Qty <= 0 {
		return fmt.Errorf("%w [%s]: qty must be positive, got %v", ErrInvalidPosition, p.ID, p.Qty)
	}
	if p.EntryPrice <= 0 || p.EntryTime.IsZero() {
		return fmt.Errorf("%w [%s]: missing entry price or time", ErrInvalidPosition, p.ID)
	}

	switch p.Status {
	case StatusOpen:
		if p.Exit != nil {
			return fmt.Errorf("%w [%s]: open position carries exit fields", ErrInvalidPosition, p.ID)
		}
	case StatusClosed:
		if p.Exit == nil {
			return fmt.Errorf("%w [%s]: closed position without exit fields", ErrInvalidPosition, p.ID)
		}
		if p.Exit.Price <= 0 || p.Exit.Time.IsZero() {
			return fmt.Errorf("%w [%s]: missing exit price or time", ErrInvalidPosition, p.ID)
		}
	default:
		return fmt.Errorf("%w [%s]: unknown status %q", ErrInvalidPosition, p.ID, p.Status)
	}
	return nil
}

// ProfitLoss returns the realized result of closing at exit: (exit-entry)*qty
// for LONG and (entry-exit)*qty for SHORT.
func ProfitLoss(t Type, entry, exit, qty float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)

	diff := x.Sub(e)
	if t == Short {
		diff = e.Sub(x)
	}
	return diff.Mul(decimal.NewFromFloat(qty)).InexactFloat64()
}

// ExitAt builds the exit fields for closing p at q.
func (p Position) ExitAt(q Quote) Exit {
	return Exit{
		Price:      q.Price,
		Time:       q.Time,
		FastEMA:    q.FastEMA,
		SlowEMA:    q.SlowEMA,
		ProfitLoss: ProfitLoss(p.Type, p.EntryPrice, q.Price, p.Qty),
	}
}

// Quote is the market view a decision is taken at.
type Quote struct {
	Price   float64
	FastEMA float64
	SlowEMA float64
	Time    time.Time
}

func (p Position) String() string {
	if p.Exit != nil {
		return fmt.Sprintf("%s %s %s qty=%v entry=%v exit=%v pnl=%v", p.Symbol, p.Type, p.Status, p.Qty, p.EntryPrice, p.Exit.Price, p.Exit.ProfitLoss)
	}
	return fmt.Sprintf("%s %s %s qty=%v entry=%v", p.Symbol, p.Type, p.Status, p.Qty, p.EntryPrice)
}
