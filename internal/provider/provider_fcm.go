package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/example/notification-outbox/internal/channel"
)

type FCMProvider struct {
	Endpoint  string
	ServerKey string
	Client    *http.Client
}

func newFCMProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("fcm", ch, channel.Push); err != nil {
		return nil, err
	}
	return &FCMProvider{
		Endpoint:  s.String("endpoint", "https://fcm.googleapis.com"),
		ServerKey: s.String("server_key", ""),
		Client:    deps.httpClient(),
	}, nil
}

func (p *FCMProvider) Name() string { return "fcm" }

func (p *FCMProvider) Available() bool { return p.ServerKey != "" }

func (p *FCMProvider) Health(context.Context) Health {
	return availability(p.Available(), "server_key missing")
}

func (p *FCMProvider) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{Success: false, Message: "device token missing"}, nil
	}
	payload := map[string]any{
		"to": msg.To,
		"notification": map[string]any{
			"title": msg.String("title"),
			"body":  msg.String("body"),
		},
		"data": msg.Data,
	}
	_, body, err := postJSON(ctx, p.Client, "fcm", p.Endpoint+"/fcm/send", map[string]string{
		"Authorization": "key=" + p.ServerKey,
	}, payload)
	if err != nil {
		return Result{}, err
	}

	var out struct {
		Success     int   `json:"success"`
		Failure     int   `json:"failure"`
		MulticastID int64 `json:"multicast_id"`
		Results     []struct {
			MessageID string `json:"message_id"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{Success: true}, nil
	}
	if out.Failure > 0 && out.Success == 0 {
		reason := "fcm delivery failed"
		if len(out.Results) > 0 && out.Results[0].Error != "" {
			reason = out.Results[0].Error
		}
		return Result{Success: false, Message: reason}, nil
	}
	id := strconv.FormatInt(out.MulticastID, 10)
	if len(out.Results) > 0 && out.Results[0].MessageID != "" {
		id = out.Results[0].MessageID
	}
	return Result{Success: true, ExternalID: id}, nil
}
