package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/notification-outbox/internal/channel"
)

// LogProvider writes messages to the log. It backs local runs and is the
// usual last resort at the bottom of a chain.
type LogProvider struct {
	channel channel.Channel
	logger  zerolog.Logger
}

func newLogProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	return &LogProvider{
		channel: ch,
		logger:  deps.Logger.With().Str("provider", "log").Logger(),
	}, nil
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Available() bool { return true }

func (p *LogProvider) Health(context.Context) Health { return Health{Status: Healthy} }

func (p *LogProvider) Send(ctx context.Context, msg Message) (Result, error) {
	evt := p.logger.Info().
		Str("channel", string(p.channel)).
		Str("outbox_id", msg.ID).
		Str("event_type", msg.EventType).
		Str("notifiable", msg.Notifiable.String()).
		Str("to", msg.To).
		Interface("data", msg.Data)
	if msg.Identity != nil {
		evt = evt.Interface("identity", msg.Identity)
	}
	evt.Msg("notification delivered to log")
	return Result{Success: true, ExternalID: msg.ID}, nil
}
