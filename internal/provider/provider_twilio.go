package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/identity"
)

type TwilioProvider struct {
	Endpoint   string
	AccountSID string
	AuthToken  string
	From       string
	Client     *http.Client
}

func newTwilioProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("twilio", ch, channel.SMS); err != nil {
		return nil, err
	}
	return &TwilioProvider{
		Endpoint:   s.String("endpoint", "https://api.twilio.com"),
		AccountSID: s.String("account_sid", ""),
		AuthToken:  s.String("auth_token", ""),
		From:       s.String("from", ""),
		Client:     deps.httpClient(),
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) Available() bool { return p.AccountSID != "" && p.AuthToken != "" }

func (p *TwilioProvider) Health(context.Context) Health {
	return availability(p.Available(), "account_sid or auth_token missing")
}

func (p *TwilioProvider) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{Success: false, Message: "recipient phone missing"}, nil
	}
	from := identity.Value(fromPhone(msg.Identity), p.From)
	if from == "" {
		return Result{}, backoff.Permanent(errors.New("twilio: no from number"))
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", from)
	form.Set("Body", msg.String("body"))

	endpoint := p.Endpoint + "/2010-04-01/Accounts/" + url.PathEscape(p.AccountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.AccountSID, p.AuthToken)

	_, body, err := doRequest(p.Client, "twilio", req)
	if err != nil {
		return Result{}, err
	}
	var out struct {
		SID string `json:"sid"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Success: true, ExternalID: out.SID}, nil
}
