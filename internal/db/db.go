// Package db
package db

import (
	"context"

	"github.com/amirphl/ema-trader/internal/position"
)

// Storage is the interface for all persistent position storage.
type Storage interface {
	position.Store

	// OpenBySymbol returns every OPEN record for symbol, newest first.
	OpenBySymbol(ctx context.Context, symbol string) ([]position.Position, error)
	// ListBySymbol returns up to limit records for symbol, newest first.
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]position.Position, error)
	// SumClosedPnL sums profit_loss over CLOSED records of symbol.
	SumClosedPnL(ctx context.Context, symbol string) (total float64, count int, err error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
