package provider

import (
	"context"
	"net/http"

	"github.com/example/notification-outbox/internal/channel"
)

// SlackProvider posts to an incoming webhook. The routed address, when
// present, wins over the configured default webhook.
type SlackProvider struct {
	WebhookURL string
	Username   string
	Client     *http.Client
}

func newSlackProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("slack", ch, channel.Slack); err != nil {
		return nil, err
	}
	return &SlackProvider{
		WebhookURL: s.String("webhook_url", ""),
		Username:   s.String("username", ""),
		Client:     deps.httpClient(),
	}, nil
}

func (p *SlackProvider) Name() string { return "slack" }

// Available is always true: the webhook may come from the notifiable's route.
func (p *SlackProvider) Available() bool { return true }

func (p *SlackProvider) Health(context.Context) Health {
	if p.WebhookURL == "" {
		return Health{Status: Degraded, Message: "no default webhook_url; relies on routes"}
	}
	return Health{Status: Healthy}
}

func (p *SlackProvider) Send(ctx context.Context, msg Message) (Result, error) {
	url := msg.To
	if url == "" {
		url = p.WebhookURL
	}
	if url == "" {
		return Result{Success: false, Message: "slack webhook missing"}, nil
	}
	text := msg.String("text")
	if text == "" {
		text = msg.String("body")
	}
	payload := map[string]any{"text": text}
	if p.Username != "" {
		payload["username"] = p.Username
	}
	if blocks, ok := msg.Data["blocks"]; ok {
		payload["blocks"] = blocks
	}
	if _, _, err := postJSON(ctx, p.Client, "slack", url, nil, payload); err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}
