package notifier

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"
)

// TelegramConfig configures a Telegram notifier.
type TelegramConfig struct {
	Token   string
	ChatID  int64
	URL     string // API base URL, empty for the public endpoint
	Retries int
	Delay   time.Duration
	// Timeout bounds each API request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

const DefaultRequestTimeout = 10 * time.Second

type TelegramNotifier struct {
	bot     *tele.Bot
	chat    tele.ChatID
	retries int
	delay   time.Duration
	log     zerolog.Logger
}

func NewTelegramNotifier(cfg TelegramConfig, log zerolog.Logger) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Second
	}

	return &TelegramNotifier{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		retries: retries,
		delay:   delay,
		log:     log.With().Str("component", "notifier").Logger(),
	}, nil
}

// Send delivers msg, retrying with exponential backoff.
func (t *TelegramNotifier) Send(msg string) error {
	b := &backoff.Backoff{Min: t.delay, Max: 8 * t.delay, Factor: 2}

	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if _, err = t.bot.Send(t.chat, msg); err == nil {
			return nil
		}
		t.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", t.retries).Msg("telegram send failed")
		if attempt < t.retries {
			time.Sleep(b.Duration())
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.retries, err)
}

// New returns a Telegram notifier when a token is configured and a logging
// notifier otherwise.
func New(cfg TelegramConfig, log zerolog.Logger) Notifier {
	if cfg.Token == "" {
		return Logging{Log: log}
	}
	n, err := NewTelegramNotifier(cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier disabled")
		return Logging{Log: log}
	}
	return n
}
