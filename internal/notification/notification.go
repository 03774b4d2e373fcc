package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
)

var ErrNotFound = errors.New("notification not found")

// Record is a notifications row: the readable ledger entry owned by a
// notifiable.
type Record struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Notifiable     entity.Ref        `json:"notifiable"`
	Data           map[string]any    `json:"data"`
	ChannelsSent   []channel.Channel `json:"channels_sent,omitempty"`
	FailedChannels []channel.Channel `json:"failed_channels,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (r Record) Read() bool { return r.ReadAt != nil }

// Delivery is the per-channel outcome written back after an outbox row ran.
type Delivery struct {
	ChannelsSent   []channel.Channel
	FailedChannels []channel.Channel
	Metadata       map[string]any
	SentAt         *time.Time
}

type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store persists records. The read toggles must be conditional single-row
// updates and report how many rows they changed.
type Store interface {
	// InsertRecord returns false when a record with the same id exists.
	InsertRecord(ctx context.Context, rec Record) (bool, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	ListRecords(ctx context.Context, owner entity.Ref, opts ListOptions) ([]Record, error)
	CountUnread(ctx context.Context, owner entity.Ref) (int, error)
	SetRead(ctx context.Context, id string, at time.Time) (int64, error)
	SetUnread(ctx context.Context, id string, now time.Time) (int64, error)
	SetAllRead(ctx context.Context, owner entity.Ref, at time.Time) (int64, error)
	UpdateDelivery(ctx context.Context, id string, d Delivery, now time.Time) error
}

type Service struct {
	store Store
	Now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, Now: time.Now}
}

// Create stores rec, assigning an id and timestamps when missing. Creating a
// record whose id already exists returns the stored one unchanged.
func (s *Service) Create(ctx context.Context, rec Record) (Record, error) {
	if !rec.Notifiable.Valid() {
		return Record{}, errors.New("notification owner is required")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, fmt.Errorf("generate id: %w", err)
		}
		rec.ID = id.String()
	}
	now := s.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}

	inserted, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("insert notification: %w", err)
	}
	if !inserted {
		return s.store.GetRecord(ctx, rec.ID)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.GetRecord(ctx, id)
}

func (s *Service) List(ctx context.Context, owner entity.Ref, opts ListOptions) ([]Record, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.store.ListRecords(ctx, owner, opts)
}

func (s *Service) UnreadCount(ctx context.Context, owner entity.Ref) (int, error) {
	return s.store.CountUnread(ctx, owner)
}

// MarkRead sets read_at once. Marking a read record again leaves read_at as
// it was.
func (s *Service) MarkRead(ctx context.Context, id string) (Record, error) {
	if _, err := s.store.SetRead(ctx, id, s.Now().UTC()); err != nil {
		return Record{}, fmt.Errorf("mark read: %w", err)
	}
	return s.store.GetRecord(ctx, id)
}

func (s *Service) MarkUnread(ctx context.Context, id string) (Record, error) {
	if _, err := s.store.SetUnread(ctx, id, s.Now().UTC()); err != nil {
		return Record{}, fmt.Errorf("mark unread: %w", err)
	}
	return s.store.GetRecord(ctx, id)
}

func (s *Service) MarkAllRead(ctx context.Context, owner entity.Ref) (int64, error) {
	n, err := s.store.SetAllRead(ctx, owner, s.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}

func (s *Service) RecordDelivery(ctx context.Context, id string, d Delivery) error {
	if err := s.store.UpdateDelivery(ctx, id, d, s.Now().UTC()); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
