package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/notification-outbox/internal/channel"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnsupportedChannel = errors.New("provider does not support channel")
)

// MessageWriter is the subset of *kafka.Writer the kafka provider needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Deps are shared collaborators handed to every factory.
type Deps struct {
	Logger      zerolog.Logger
	HTTPClient  *http.Client
	KafkaWriter func(topic string) MessageWriter
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Factory builds a provider for ch from a config row's settings.
type Factory func(ch channel.Channel, settings Settings, deps Deps) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{factories: map[string]Factory{}, deps: deps}
}

// NewDefaultRegistry registers every built-in provider.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.Register("log", newLogProvider)
	r.Register("sendgrid", newSendGridProvider)
	r.Register("ses", newSESProvider)
	r.Register("smtp", newSMTPProvider)
	r.Register("twilio", newTwilioProvider)
	r.Register("fcm", newFCMProvider)
	r.Register("slack", newSlackProvider)
	r.Register("kafka", newKafkaProvider)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve returns ErrUnknownProvider for names nobody registered.
func (r *Registry) Resolve(name string, settings Settings, ch channel.Channel) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if settings == nil {
		settings = Settings{}
	}
	p, err := f(ch, settings, r.deps)
	if err != nil {
		return nil, fmt.Errorf("build provider %s for %s: %w", name, ch, err)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func requireChannel(name string, ch channel.Channel, supported ...channel.Channel) error {
	for _, s := range supported {
		if s == ch {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedChannel, name, ch)
}
