// Package journal keeps a bounded, queryable record of trading decisions.
package journal

import (
	"sync"
	"time"
)

// Event types written by the position manager.
const (
	TypeOpen      = "open"
	TypeClose     = "close"
	TypeCloseMiss = "close_miss"
	TypeAdopt     = "adopt"
	TypeError     = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(event Event) error
	// GetEvents returns events of eventType (all types when empty) with
	// start <= Time < end, oldest first. Zero bounds are open.
	GetEvents(eventType string, start, end time.Time) ([]Event, error)
}

const DefaultMaxEvents = 1000

// Memory is a Journaler that keeps the most recent events in memory.
type Memory struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

func NewMemory(maxEvents int) *Memory {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Memory{max: maxEvents}
}

func (m *Memory) LogEvent(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if over := len(m.events) - m.max; over > 0 {
		m.events = append(m.events[:0:0], m.events[over:]...)
	}
	return nil
}

func (m *Memory) GetEvents(eventType string, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if !start.IsZero() && e.Time.Before(start) {
			continue
		}
		if !end.IsZero() && !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) LogEvent(Event) error { return nil }

func (Nop) GetEvents(string, time.Time, time.Time) ([]Event, error) { return nil, nil }
