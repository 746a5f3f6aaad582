// Package telegram delivers session notifications to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/researchview/internal/types"
)

const maxTelegramMessage = 4096

// sender is the part of the bot API the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends notifications to one chat. It implements delivery.Sink.
type Notifier struct {
	bot    sender
	chatID int64
}

// New creates a Telegram notifier for chatID.
func New(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Deliver sends n, split into Telegram-sized parts.
func (a *Notifier) Deliver(ctx context.Context, n types.Notification) error {
	for _, part := range splitMessage(formatNotification(n)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.send(part); err != nil {
			return err
		}
	}
	return nil
}

func (a *Notifier) send(text string) error {
	msg := tgbotapi.NewMessage(a.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := a.bot.Send(msg); err != nil {
		// Retry without markdown if it fails
		msg.ParseMode = ""
		if _, err := a.bot.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatNotification(n types.Notification) string {
	var b strings.Builder
	switch n.Level {
	case types.LevelError:
		b.WriteString("❌ ")
	case types.LevelWarn:
		b.WriteString("⚠️ ")
	}
	fmt.Fprintf(&b, "*%s*", n.Title)
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	if n.SessionID != "" {
		fmt.Fprintf(&b, "\nSession: `%s`", n.SessionID)
	}
	return b.String()
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
