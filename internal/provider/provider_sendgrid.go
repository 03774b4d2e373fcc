package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/identity"
)

type SendGridProvider struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	FromName  string
	Client    *http.Client
}

func newSendGridProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("sendgrid", ch, channel.Mail); err != nil {
		return nil, err
	}
	return &SendGridProvider{
		Endpoint:  s.String("endpoint", "https://api.sendgrid.com"),
		APIKey:    s.String("api_key", ""),
		FromEmail: s.String("from_email", ""),
		FromName:  s.String("from_name", ""),
		Client:    deps.httpClient(),
	}, nil
}

func (p *SendGridProvider) Name() string { return "sendgrid" }

func (p *SendGridProvider) Available() bool { return p.APIKey != "" }

func (p *SendGridProvider) Health(context.Context) Health {
	return availability(p.Available(), "api_key missing")
}

func (p *SendGridProvider) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{Success: false, Message: "recipient email missing"}, nil
	}
	from := map[string]any{
		"email": identity.Value(fromEmail(msg.Identity), p.FromEmail),
	}
	if name := identity.Value(fromName(msg.Identity), p.FromName); name != "" {
		from["name"] = name
	}
	if from["email"] == "" {
		return Result{}, backoff.Permanent(errors.New("sendgrid: no from address"))
	}

	payload := map[string]any{
		"personalizations": []any{map[string]any{
			"to":                    []any{map[string]any{"email": msg.To}},
			"dynamic_template_data": msg.Data,
		}},
		"from": from,
	}
	if tpl := msg.String("template_id"); tpl != "" {
		payload["template_id"] = tpl
	} else {
		payload["subject"] = msg.String("subject")
		payload["content"] = []any{map[string]any{"type": "text/plain", "value": msg.String("body")}}
	}
	if msg.Identity != nil && msg.Identity.ReplyToEmail != nil {
		replyTo := map[string]any{"email": *msg.Identity.ReplyToEmail}
		if msg.Identity.ReplyToName != nil {
			replyTo["name"] = *msg.Identity.ReplyToName
		}
		payload["reply_to"] = replyTo
	}

	resp, _, err := postJSON(ctx, p.Client, "sendgrid", p.Endpoint+"/v3/mail/send", map[string]string{
		"Authorization": "Bearer " + p.APIKey,
	}, payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, ExternalID: resp.Header.Get("X-Message-Id")}, nil
}

func fromEmail(id *identity.Identity) *string {
	if id == nil {
		return nil
	}
	return id.FromEmail
}

func fromName(id *identity.Identity) *string {
	if id == nil {
		return nil
	}
	return id.FromName
}

func fromPhone(id *identity.Identity) *string {
	if id == nil {
		return nil
	}
	return id.FromPhone
}
