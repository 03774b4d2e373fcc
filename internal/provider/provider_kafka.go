package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/identity"
)

// KafkaProvider hands a message off to a downstream channel worker through a
// dispatch topic.
type KafkaProvider struct {
	Topic  string
	writer MessageWriter
}

type dispatchEnvelope struct {
	MessageID  string             `json:"message_id"`
	EventType  string             `json:"event_type"`
	Channel    string             `json:"channel"`
	Notifiable string             `json:"notifiable"`
	To         string             `json:"to"`
	Payload    map[string]any     `json:"payload"`
	Identity   *identity.Identity `json:"identity,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func newKafkaProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	topic := s.String("topic", topicForChannel(ch))
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka on %s", ErrUnsupportedChannel, ch)
	}
	p := &KafkaProvider{Topic: topic}
	if deps.KafkaWriter != nil {
		p.writer = deps.KafkaWriter(topic)
	}
	return p, nil
}

func topicForChannel(ch channel.Channel) string {
	switch ch {
	case channel.Mail:
		return "dispatch.email"
	case channel.SMS:
		return "dispatch.sms"
	case channel.Push:
		return "dispatch.push"
	case channel.Slack:
		return "dispatch.slack"
	default:
		return ""
	}
}

func (p *KafkaProvider) Name() string { return "kafka" }

func (p *KafkaProvider) Available() bool { return p.writer != nil }

func (p *KafkaProvider) Health(context.Context) Health {
	return availability(p.Available(), "no kafka brokers configured")
}

func (p *KafkaProvider) Send(ctx context.Context, msg Message) (Result, error) {
	payload, err := json.Marshal(dispatchEnvelope{
		MessageID:  msg.ID,
		EventType:  msg.EventType,
		Channel:    string(msg.Channel),
		Notifiable: msg.Notifiable.String(),
		To:         msg.To,
		Payload:    msg.Data,
		Identity:   msg.Identity,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Notifiable.String() + ":" + msg.ID),
		Value: payload,
	}); err != nil {
		return Result{}, fmt.Errorf("write message: %w", err)
	}
	return Result{Success: true, ExternalID: msg.ID}, nil
}
