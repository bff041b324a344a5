package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// retry runs fn up to attempts times with exponential backoff. It gives up
// early when ctx is done and never retries ErrMalformed.
func retry(ctx context.Context, log zerolog.Logger, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = defaultRetries
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	b := &backoff.Backoff{
		Min:    delay,
		Max:    maxRetryDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrMalformed) || ctx.Err() != nil {
			break
		}
		if i == attempts {
			break
		}

		wait := b.Duration()
		log.Warn().Err(err).Int("attempt", i).Int("attempts", attempts).Dur("backoff", wait).Msg("fetch failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return err
}
