package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/identity"
)

// SESProvider talks to an SES-compatible relay endpoint.
type SESProvider struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	Client    *http.Client
}

func newSESProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("ses", ch, channel.Mail); err != nil {
		return nil, err
	}
	return &SESProvider{
		Endpoint:  s.String("endpoint", ""),
		APIKey:    s.String("api_key", ""),
		FromEmail: s.String("from_email", ""),
		Client:    deps.httpClient(),
	}, nil
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Available() bool { return p.Endpoint != "" && p.APIKey != "" }

func (p *SESProvider) Health(context.Context) Health {
	return availability(p.Available(), "endpoint or api_key missing")
}

func (p *SESProvider) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{Success: false, Message: "recipient email missing"}, nil
	}
	payload := map[string]any{
		"template_id": msg.String("template_id"),
		"to":          msg.To,
		"from":        identity.Value(fromEmail(msg.Identity), p.FromEmail),
		"subject":     msg.String("subject"),
		"data":        msg.Data,
	}
	if msg.Identity != nil && msg.Identity.ReplyToEmail != nil {
		payload["reply_to"] = *msg.Identity.ReplyToEmail
	}

	_, body, err := postJSON(ctx, p.Client, "ses", p.Endpoint+"/send", map[string]string{
		"X-API-Key": p.APIKey,
	}, payload)
	if err != nil {
		return Result{}, err
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Success: true, ExternalID: out.MessageID}, nil
}
