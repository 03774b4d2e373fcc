package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/notification"
)

const recordColumns = `id, type, notifiable_type, notifiable_id, data, channels_sent,
failed_channels, metadata, read_at, sent_at, created_at, updated_at`

type recordRow struct {
	ID             string      `db:"id"`
	Type           string      `db:"type"`
	NotifiableType string      `db:"notifiable_type"`
	NotifiableID   string      `db:"notifiable_id"`
	Data           jsonMap     `db:"data"`
	ChannelsSent   channelList `db:"channels_sent"`
	FailedChannels channelList `db:"failed_channels"`
	Metadata       jsonMap     `db:"metadata"`
	ReadAt         *time.Time  `db:"read_at"`
	SentAt         *time.Time  `db:"sent_at"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

func (r recordRow) record() notification.Record {
	return notification.Record{
		ID:             r.ID,
		Type:           r.Type,
		Notifiable:     entity.Ref{Type: r.NotifiableType, ID: r.NotifiableID},
		Data:           map[string]any(r.Data),
		ChannelsSent:   []channel.Channel(r.ChannelsSent),
		FailedChannels: []channel.Channel(r.FailedChannels),
		Metadata:       map[string]any(r.Metadata),
		ReadAt:         utcPtr(r.ReadAt),
		SentAt:         utcPtr(r.SentAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (s *SQLStore) InsertRecord(ctx context.Context, rec notification.Record) (bool, error) {
	data := jsonMap(rec.Data)
	if data == nil {
		data = jsonMap{}
	}
	n, err := s.exec(ctx, `
INSERT INTO notifications (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.Type,
		rec.Notifiable.Type,
		rec.Notifiable.ID,
		data,
		channelList(rec.ChannelsSent),
		channelList(rec.FailedChannels),
		jsonMap(rec.Metadata),
		s.tsPtr(rec.ReadAt),
		s.tsPtr(rec.SentAt),
		s.ts(rec.CreatedAt),
		s.ts(rec.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, id string) (notification.Record, error) {
	var row recordRow
	err := s.q.GetContext(ctx, &row, s.rebind(`SELECT `+recordColumns+` FROM notifications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Record{}, notification.ErrNotFound
	}
	if err != nil {
		return notification.Record{}, fmt.Errorf("get notification: %w", err)
	}
	return row.record(), nil
}

func (s *SQLStore) ListRecords(ctx context.Context, owner entity.Ref, opts notification.ListOptions) ([]notification.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM notifications WHERE notifiable_type = ? AND notifiable_id = ?`
	if opts.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	var rows []recordRow
	if err := s.q.SelectContext(ctx, &rows, s.rebind(query), owner.Type, owner.ID, opts.Limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]notification.Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *SQLStore) CountUnread(ctx context.Context, owner entity.Ref) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n, s.rebind(`
SELECT COUNT(*) FROM notifications
WHERE notifiable_type = ? AND notifiable_id = ? AND read_at IS NULL`), owner.Type, owner.ID)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SetRead(ctx context.Context, id string, at time.Time) (int64, error) {
	return s.exec(ctx, `UPDATE notifications SET read_at = ?, updated_at = ? WHERE id = ? AND read_at IS NULL`,
		s.ts(at), s.ts(at), id)
}

func (s *SQLStore) SetUnread(ctx context.Context, id string, now time.Time) (int64, error) {
	return s.exec(ctx, `UPDATE notifications SET read_at = NULL, updated_at = ? WHERE id = ? AND read_at IS NOT NULL`,
		s.ts(now), id)
}

func (s *SQLStore) SetAllRead(ctx context.Context, owner entity.Ref, at time.Time) (int64, error) {
	return s.exec(ctx, `
UPDATE notifications SET read_at = ?, updated_at = ?
WHERE notifiable_type = ? AND notifiable_id = ? AND read_at IS NULL`,
		s.ts(at), s.ts(at), owner.Type, owner.ID)
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, id string, d notification.Delivery, now time.Time) error {
	n, err := s.exec(ctx, `
UPDATE notifications
SET channels_sent = ?, failed_channels = ?, metadata = ?, sent_at = COALESCE(?, sent_at), updated_at = ?
WHERE id = ?`,
		channelList(d.ChannelsSent), channelList(d.FailedChannels), jsonMap(d.Metadata),
		s.tsPtr(d.SentAt), s.ts(now), id)
	if err != nil {
		return fmt.Errorf("update notification delivery: %w", err)
	}
	if n == 0 {
		return notification.ErrNotFound
	}
	return nil
}
