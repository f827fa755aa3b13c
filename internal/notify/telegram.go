package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"bookingd/internal/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is satisfied by *tgbotapi.BotAPI.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram messages customers by chat id.
type Telegram struct {
	bot TelegramSender
}

func NewTelegram(bot TelegramSender) *Telegram {
	return &Telegram{bot: bot}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegram(api), nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Target(c model.Customer) string {
	if c.TelegramChatID == 0 {
		return ""
	}
	return strconv.FormatInt(c.TelegramChatID, 10)
}

func (t *Telegram) Send(_ context.Context, target string, msg Message) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return model.Permanent(fmt.Errorf("telegram chat id %q: %w", target, err))
	}
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return classifyTelegram(err)
}

// SendDocument uploads a file to a chat, used for admin exports.
func (t *Telegram) SendDocument(_ context.Context, chatID int64, name string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	_, err := t.bot.Send(doc)
	return classifyTelegram(err)
}

func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	// Network level failure.
	return model.Transient(err)
}
