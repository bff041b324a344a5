package engine

import (
	"sync"
	"time"

	"github.com/amirphl/ema-trader/internal/position"
	"github.com/amirphl/ema-trader/internal/strategy"
)

// Snapshot is the last view produced by a tick.
type Snapshot struct {
	Symbol    string             `json:"symbol"`
	Price     float64            `json:"price"`
	FastEMA   float64            `json:"ema_fast"`
	SlowEMA   float64            `json:"ema_slow"`
	Signal    strategy.Signal    `json:"signal"`
	State     position.State     `json:"state"`
	Position  *position.Position `json:"position,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Cache holds the latest Snapshot. Readers always get a copy.
type Cache struct {
	mu   sync.RWMutex
	snap Snapshot
	ok   bool
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Set(s Snapshot) {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = s
	c.ok = true
}

// Get returns the snapshot and whether one was ever written.
func (c *Cache) Get() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.snap
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	return s, c.ok
}

// IsStale reports whether the snapshot is missing or older than maxAge at now.
func (c *Cache) IsStale(now time.Time, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		return true
	}
	return now.Sub(c.snap.UpdatedAt) > maxAge
}
