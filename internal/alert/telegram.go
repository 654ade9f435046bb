package alert

import (
	"context"
	"fmt"
	"time"

	httpx "basis_engine/pkg/http"
)

const telegramAPIBase = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *httpx.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   httpx.NewClient(telegramAPIBase, 5*time.Second),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch p.Level {
	case LevelWarning:
		icon = "⚠️"
	case LevelError:
		icon = "❌"
	case LevelCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, p.Level, p.Title, p.Message)
	if len(p.Fields) > 0 {
		text += "\n"
		for k, v := range p.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	_, err := t.client.Post(ctx, fmt.Sprintf("/bot%s/sendMessage", t.botToken), payload)
	return err
}
