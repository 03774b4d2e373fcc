package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
)

var publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outbox_published_total",
	Help: "Outbox publish calls by result",
}, []string{"result"})

// PublishRequest asks for Notifiable to be told about EventType on Channels.
type PublishRequest struct {
	EventType  string
	Notifiable entity.Ref
	Channels   []channel.Channel
	Payload    map[string]any
	Entity     *entity.Ref
	DedupeKey  string
	// Delay postpones the first delivery attempt.
	Delay time.Duration
}

// EntryWriter is the part of Store the publisher needs. A tx-bound store
// makes the publish part of the caller's transaction.
type EntryWriter interface {
	InsertEntry(ctx context.Context, e Entry) (Entry, bool, error)
}

type Publisher struct {
	store  EntryWriter
	logger zerolog.Logger
	tracer trace.Tracer
	Now    func() time.Time
}

func NewPublisher(store EntryWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("outbox-publisher"),
		Now:    time.Now,
	}
}

// Publish appends a pending row. It never delivers anything. When DedupeKey
// collides with an existing row, that row is returned with duplicate=true.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (Entry, bool, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	channels, err := validatePublish(req)
	if err != nil {
		publishCounter.WithLabelValues("invalid").Inc()
		span.RecordError(err)
		return Entry{}, false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, false, fmt.Errorf("generate id: %w", err)
	}
	now := p.Now().UTC()
	entry := Entry{
		ID:         id.String(),
		EventType:  req.EventType,
		Notifiable: req.Notifiable,
		Entity:     req.Entity,
		Channels:   channels,
		Payload:    req.Payload,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	if entry.Entity != nil && entry.Entity.IsZero() {
		entry.Entity = nil
	}
	if req.Delay > 0 {
		at := now.Add(req.Delay)
		entry.AvailableAt = &at
	}
	if key := strings.TrimSpace(req.DedupeKey); key != "" {
		entry.DedupeKey = &key
	}

	saved, duplicate, err := p.store.InsertEntry(ctx, entry)
	if err != nil {
		publishCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		return Entry{}, false, fmt.Errorf("insert outbox entry: %w", err)
	}
	span.SetAttributes(
		attribute.String("outbox.id", saved.ID),
		attribute.String("outbox.event_type", saved.EventType),
		attribute.Bool("outbox.duplicate", duplicate),
	)

	logger := common.WithContext(ctx, p.logger)
	if duplicate {
		publishCounter.WithLabelValues("duplicate").Inc()
		logger.Debug().Str("outbox_id", saved.ID).Str("dedupe_key", *entry.DedupeKey).Msg("duplicate publish ignored")
		return saved, true, nil
	}
	publishCounter.WithLabelValues("accepted").Inc()
	logger.Debug().
		Str("outbox_id", saved.ID).
		Str("event_type", saved.EventType).
		Strs("channels", channel.Strings(saved.Channels)).
		Msg("outbox entry published")
	return saved, false, nil
}

func validatePublish(req PublishRequest) ([]channel.Channel, error) {
	if strings.TrimSpace(req.EventType) == "" {
		return nil, &PublishError{Field: "event_type", Reason: "is required"}
	}
	if req.Notifiable.Type == "" {
		return nil, &PublishError{Field: "notifiable.type", Reason: "is required"}
	}
	if req.Notifiable.ID == "" {
		return nil, &PublishError{Field: "notifiable.id", Reason: "is required"}
	}
	if req.Entity != nil && !req.Entity.IsZero() && !req.Entity.Valid() {
		return nil, &PublishError{Field: "entity", Reason: "needs both type and id"}
	}
	if len(req.Channels) == 0 {
		return nil, &PublishError{Field: "channels", Reason: "must not be empty"}
	}
	for _, ch := range req.Channels {
		if _, err := channel.Parse(string(ch)); err != nil {
			return nil, &PublishError{Field: "channels", Reason: err.Error()}
		}
	}
	if req.Delay < 0 {
		return nil, &PublishError{Field: "delay", Reason: "must not be negative"}
	}
	return channel.Dedupe(req.Channels), nil
}
