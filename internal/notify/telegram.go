package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts to a chat through the Bot API.
type TelegramSender struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegramSender returns a sender for the bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetBaseURL(telegramAPI).SetTimeout(10 * time.Second),
	}
}

// Send calls sendMessage with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetPathParam("token", t.token).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", title, message),
			"parse_mode": "Markdown",
		}).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), truncate(resp.String(), 512))
	}
	return nil
}

// Name implements Sender.
func (t *TelegramSender) Name() string { return "telegram" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
