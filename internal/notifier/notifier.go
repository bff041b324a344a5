// Package notifier
package notifier

import "github.com/rs/zerolog"

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Send(string) error { return nil }

// Logging writes messages to a logger instead of a chat.
type Logging struct {
	Log zerolog.Logger
}

func (l Logging) Send(msg string) error {
	l.Log.Info().Str("component", "notifier").Msg(msg)
	return nil
}
