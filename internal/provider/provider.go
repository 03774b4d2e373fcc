package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
)

// Provider sends a message on one channel through one vendor.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (Result, error)
	// Available is a cheap precondition check, e.g. required settings present.
	Available() bool
	Health(ctx context.Context) Health
}

// Message is a channel-send request built from an outbox row.
type Message struct {
	ID         string
	EventType  string
	Channel    channel.Channel
	Notifiable entity.Ref
	Entity     entity.Entity
	To         string
	Data       map[string]any
	Identity   *identity.Identity
}

func (m Message) String(key string) string {
	v, ok := m.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Result is a provider's verdict. Success=false with a nil error is a clean
// refusal (e.g. recipient rejected) and is not retried.
type Result struct {
	Success    bool
	Message    string
	ExternalID string
}

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Down     HealthStatus = "down"
)

type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Settings is the opaque config map of a notification_configs row.
type Settings map[string]any

func (s Settings) String(key, fallback string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return fallback
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return fallback
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

func (s Settings) Int(key string, fallback int) int {
	switch val := s[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

// Config is a notification_configs row: a provider or template descriptor.
type Config struct {
	ID          int64
	UUID        string
	Type        channel.ConfigType
	Name        string
	Channel     *channel.Channel
	Settings    Settings
	Priority    int
	IsActive    bool
	Description string
}

// ConfigStore returns active configs of a type ordered by priority, then
// insertion order.
type ConfigStore interface {
	ActiveConfigs(ctx context.Context, typ channel.ConfigType) ([]Config, error)
}

func availability(ok bool, missing string) Health {
	if ok {
		return Health{Status: Healthy}
	}
	return Health{Status: Down, Message: missing}
}
