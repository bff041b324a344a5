package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

const DefaultQueueSize = 64

var (
	ErrQueueFull = errors.New("notification queue full, message dropped")
	ErrClosed    = errors.New("notifier closed")
)

// Async queues messages for a background sender so Send never waits on
// delivery. Messages that do not fit in the queue are dropped.
type Async struct {
	next  Notifier
	queue chan string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func NewAsync(next Notifier, size int, log zerolog.Logger) *Async {
	if size < 1 {
		size = DefaultQueueSize
	}
	a := &Async{
		next:  next,
		queue: make(chan string, size),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "notifier").Logger(),
	}
	go a.loop()
	return a
}

func (a *Async) Send(msg string) error {
	select {
	case <-a.stop:
		return ErrClosed
	default:
	}

	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for {
		select {
		case msg := <-a.queue:
			a.deliver(msg)
		case <-a.stop:
			for {
				select {
				case msg := <-a.queue:
					a.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(msg string) {
	if err := a.next.Send(msg); err != nil {
		a.log.Warn().Err(err).Msg("notification not delivered")
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// end.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
