package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers alerts to a fixed Telegram chat via a bot.
// Transient send failures retry with exponential backoff inside Send so
// the dispatch gate sees one verdict per alert.
type TelegramChannel struct {
	token  string
	chatID int64
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, chatID int64, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:  token,
		chatID: chatID,
		logger: logger.With("component", "telegram-channel"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect initializes the bot session. Called once before the first Send.
func (t *TelegramChannel) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram channel ready", "bot", bot.Self.UserName)
	return nil
}

func (t *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	if t.bot == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}

	msg := tgbotapi.NewMessage(t.chatID, alert.Render())

	backoff := time.Second
	const maxBackoff = 15 * time.Second
	const attempts = 3

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		t.logger.Warn("telegram send failed, retrying", "attempt", i+1, "error", lastErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", attempts, lastErr)
}
