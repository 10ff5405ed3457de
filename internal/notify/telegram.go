package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI is the part of tgbotapi.BotAPI used for alerts.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts operator alerts to a single chat.
type TelegramAlerter struct {
	bot    TelegramAPI
	chatID int64
}

func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &TelegramAlerter{bot: bot, chatID: chatID}, nil
}

func NewTelegramAlerterWithBot(bot TelegramAPI, chatID int64) *TelegramAlerter {
	return &TelegramAlerter{bot: bot, chatID: chatID}
}

func (a *TelegramAlerter) Alert(_ context.Context, subject, message string) error {
	msg := tgbotapi.NewMessage(a.chatID, fmt.Sprintf("[fscreentime] %s\n%s", subject, message))
	if _, err := a.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}
