package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	http       *resty.Client
}

// NewDiscordSender returns a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		http:       resty.New().SetTimeout(10 * time.Second),
	}
}

// Send posts the message with the title in bold. Discord answers 204.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": fmt.Sprintf("**%s**\n%s", title, message)}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode(), truncate(resp.String(), 512))
	}
	return nil
}

// Name implements Sender.
func (d *DiscordSender) Name() string { return "discord" }
