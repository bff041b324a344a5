package db

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/ema-trader/internal/position"
)

// MemoryStorage keeps positions in process memory. It enforces the same
// one-open-per-symbol rule as the SQL schema and is used for dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	positions map[string]position.Position
	// insertion order, for stable ties on created_at
	order []string
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		positions: make(map[string]position.Position),
	}
}

func (m *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) InsertOpen(ctx context.Context, pos position.Position) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = pos.CreatedAt
	}
	if pos.Status != position.StatusOpen {
		return "", fmt.Errorf("%w [%s]: insert requires status OPEN, got %q", position.ErrInvalidPosition, pos.ID, pos.Status)
	}
	if err := pos.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[pos.ID]; ok {
		return "", fmt.Errorf("failed to insert position [%s]: duplicate id", pos.ID)
	}
	for _, p := range m.positions {
		if p.Symbol == pos.Symbol && p.Status == position.StatusOpen {
			return "", fmt.Errorf("failed to insert position [%s %s]: %w", pos.Symbol, pos.Type, position.ErrOpenExists)
		}
	}

	pos.Exit = nil
	m.positions[pos.ID] = pos
	m.order = append(m.order, pos.ID)
	return pos.ID, nil
}

func (m *MemoryStorage) CloseIfOpen(ctx context.Context, id string, exit position.Exit) (*position.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if exit.Price <= 0 || exit.Time.IsZero() {
		return nil, fmt.Errorf("%w [%s]: missing exit price or time", position.ErrInvalidPosition, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok || p.Status != position.StatusOpen {
		return nil, nil
	}

	exit.Time = exit.Time.UTC()
	p.Status = position.StatusClosed
	p.Exit = &exit
	p.UpdatedAt = time.Now().UTC()
	m.positions[id] = p

	out := clonePosition(p)
	return &out, nil
}

func (m *MemoryStorage) RestoreOpen(ctx context.Context, symbol string) (*position.Position, error) {
	open, err := m.OpenBySymbol(ctx, symbol)
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return &open[0], nil
}

func (m *MemoryStorage) OpenBySymbol(ctx context.Context, symbol string) ([]position.Position, error) {
	return m.collect(ctx, 0, func(p position.Position) bool {
		return p.Symbol == symbol && p.Status == position.StatusOpen
	})
}

func (m *MemoryStorage) ListBySymbol(ctx context.Context, symbol string, limit int) ([]position.Position, error) {
	if limit <= 0 {
		return nil, ctx.Err()
	}
	return m.collect(ctx, limit, func(p position.Position) bool {
		return p.Symbol == symbol
	})
}

func (m *MemoryStorage) SumClosedPnL(ctx context.Context, symbol string) (float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	count := 0
	for _, p := range m.positions {
		if p.Symbol != symbol || p.Status != position.StatusClosed || p.Exit == nil {
			continue
		}
		total = total.Add(decimal.NewFromFloat(p.Exit.ProfitLoss))
		count++
	}
	return total.InexactFloat64(), count, nil
}

// collect returns matching positions newest first, capped at limit when limit > 0.
func (m *MemoryStorage) collect(ctx context.Context, limit int, match func(position.Position) bool) ([]position.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rank := make(map[string]int, len(m.order))
	for i, id := range m.order {
		rank[id] = i
	}

	var out []position.Position
	for _, p := range m.positions {
		if match(p) {
			out = append(out, clonePosition(p))
		}
	}
	slices.SortFunc(out, func(a, b position.Position) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return rank[b.ID] - rank[a.ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clonePosition(p position.Position) position.Position {
	if p.Exit != nil {
		e := *p.Exit
		p.Exit = &e
	}
	return p
}
