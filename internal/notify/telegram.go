package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bot-rental-engine/config"
)

// TelegramSink delivers messages to a Telegram chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink connects the Telegram bot. A disabled config returns a
// sink that reports itself disabled instead of an error.
func NewTelegramSink(cfg config.TelegramConfig) (*TelegramSink, error) {
	if !cfg.Enabled {
		return &TelegramSink{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *TelegramSink) Name() string  { return ChannelTelegram }
func (t *TelegramSink) Enabled() bool { return t.bot != nil }

// Send posts the message as Markdown to the configured chat.
func (t *TelegramSink) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
	m := tgbotapi.NewMessage(t.chatID, text)
	m.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(m); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
