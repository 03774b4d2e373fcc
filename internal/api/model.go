package api

import (
	"context"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/notification"
	"github.com/example/notification-outbox/internal/outbox"
	"github.com/example/notification-outbox/internal/provider"
)

// PublishRequest is the body of POST /v1/outbox.
type PublishRequest struct {
	EventType    string         `json:"event_type"`
	Notifiable   entity.Ref     `json:"notifiable"`
	Channels     []string       `json:"channels"`
	Payload      map[string]any `json:"payload"`
	Entity       *entity.Ref    `json:"entity,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

type PublishResponse struct {
	OutboxID string `json:"outbox_id"`
	Status   string `json:"status"`
}

type Publisher interface {
	Publish(ctx context.Context, req outbox.PublishRequest) (outbox.Entry, bool, error)
}

// Inbox is the read side of notification records.
type Inbox interface {
	List(ctx context.Context, owner entity.Ref, opts notification.ListOptions) ([]notification.Record, error)
	UnreadCount(ctx context.Context, owner entity.Ref) (int, error)
	MarkRead(ctx context.Context, id string) (notification.Record, error)
	MarkUnread(ctx context.Context, id string) (notification.Record, error)
	MarkAllRead(ctx context.Context, owner entity.Ref) (int64, error)
}

type ProviderHealth interface {
	Health(ctx context.Context, ch channel.Channel) ([]provider.ProviderHealth, error)
}
