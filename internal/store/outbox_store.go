package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/outbox"
)

const outboxColumns = `id, event_type, notifiable_type, notifiable_id, entity_type, entity_id,
channels, payload, status, attempts, available_at, dedupe_key, delivered_channels,
last_error, created_at, updated_at`

const insertEntry = `
INSERT INTO notification_outbox (` + outboxColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id
`

const selectEntry = `SELECT ` + outboxColumns + ` FROM notification_outbox WHERE id = ?`

const selectEntryByDedupeKey = `SELECT ` + outboxColumns + ` FROM notification_outbox WHERE dedupe_key = ?`

const selectDueEntries = `
SELECT ` + outboxColumns + `
FROM notification_outbox
WHERE status = ? AND (available_at IS NULL OR available_at <= ?)
ORDER BY created_at ASC, id ASC
LIMIT ?
`

const claimEntry = `
UPDATE notification_outbox
SET status = ?, attempts = attempts + 1, updated_at = ?
WHERE id = ? AND status = ? AND (available_at IS NULL OR available_at <= ?)
`

type outboxRow struct {
	ID             string         `db:"id"`
	EventType      string         `db:"event_type"`
	NotifiableType string         `db:"notifiable_type"`
	NotifiableID   string         `db:"notifiable_id"`
	EntityType     sql.NullString `db:"entity_type"`
	EntityID       sql.NullString `db:"entity_id"`
	Channels       channelList    `db:"channels"`
	Payload        jsonMap        `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	AvailableAt    *time.Time     `db:"available_at"`
	DedupeKey      *string        `db:"dedupe_key"`
	Delivered      channelList    `db:"delivered_channels"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r outboxRow) entry() outbox.Entry {
	e := outbox.Entry{
		ID:          r.ID,
		EventType:   r.EventType,
		Notifiable:  entity.Ref{Type: r.NotifiableType, ID: r.NotifiableID},
		Channels:    []channel.Channel(r.Channels),
		Payload:     map[string]any(r.Payload),
		Status:      outbox.Status(r.Status),
		Attempts:    r.Attempts,
		AvailableAt: utcPtr(r.AvailableAt),
		DedupeKey:   r.DedupeKey,
		Delivered:   []channel.Channel(r.Delivered),
		LastError:   nullString(r.LastError),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.EntityType.Valid && r.EntityID.Valid {
		e.Entity = &entity.Ref{Type: r.EntityType.String, ID: r.EntityID.String}
	}
	return e
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// InsertEntry appends e. When e.DedupeKey collides, the existing row is
// returned with duplicate=true.
func (s *SQLStore) InsertEntry(ctx context.Context, e outbox.Entry) (outbox.Entry, bool, error) {
	var entityType, entityID any
	if e.Entity != nil {
		entityType, entityID = e.Entity.Type, e.Entity.ID
	}
	payload := jsonMap(e.Payload)
	if payload == nil {
		payload = jsonMap{}
	}

	var id string
	err := s.q.QueryRowxContext(ctx, s.rebind(insertEntry),
		e.ID,
		e.EventType,
		e.Notifiable.Type,
		e.Notifiable.ID,
		entityType,
		entityID,
		channelList(e.Channels),
		payload,
		string(e.Status),
		e.Attempts,
		s.tsPtr(e.AvailableAt),
		e.DedupeKey,
		channelList(e.Delivered),
		nullable(e.LastError),
		s.ts(e.CreatedAt),
		s.ts(e.UpdatedAt),
	).Scan(&id)
	if err == nil {
		return e, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || e.DedupeKey == nil {
		return outbox.Entry{}, false, fmt.Errorf("insert outbox entry: %w", err)
	}

	var row outboxRow
	if err := s.q.GetContext(ctx, &row, s.rebind(selectEntryByDedupeKey), *e.DedupeKey); err != nil {
		return outbox.Entry{}, false, fmt.Errorf("fetch existing outbox entry: %w", err)
	}
	return row.entry(), true, nil
}

func (s *SQLStore) GetEntry(ctx context.Context, id string) (outbox.Entry, error) {
	var row outboxRow
	if err := s.q.GetContext(ctx, &row, s.rebind(selectEntry), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Entry{}, outbox.ErrEntryNotFound
		}
		return outbox.Entry{}, fmt.Errorf("get outbox entry: %w", err)
	}
	return row.entry(), nil
}

func (s *SQLStore) DueEntries(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	var rows []outboxRow
	if err := s.q.SelectContext(ctx, &rows, s.rebind(selectDueEntries), string(outbox.StatusPending), s.ts(now), limit); err != nil {
		return nil, fmt.Errorf("select due entries: %w", err)
	}
	out := make([]outbox.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

// ClaimEntry flips a due pending row to processing in its own transaction.
func (s *SQLStore) ClaimEntry(ctx context.Context, id string, now time.Time) (outbox.Entry, bool, error) {
	var (
		claimed outbox.Entry
		ok      bool
	)
	err := s.InTx(ctx, func(tx *SQLStore) error {
		n, err := tx.exec(ctx, claimEntry,
			string(outbox.StatusProcessing), tx.ts(now),
			id, string(outbox.StatusPending), tx.ts(now))
		if err != nil {
			return fmt.Errorf("claim outbox entry: %w", err)
		}
		if n == 0 {
			return nil
		}
		var row outboxRow
		if err := tx.q.GetContext(ctx, &row, tx.rebind(selectEntry), id); err != nil {
			return fmt.Errorf("reload claimed entry: %w", err)
		}
		claimed, ok = row.entry(), true
		return nil
	})
	if err != nil {
		return outbox.Entry{}, false, err
	}
	return claimed, ok, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, id string, delivered []channel.Channel, now time.Time) error {
	return s.finish(ctx, id, `
UPDATE notification_outbox
SET status = ?, delivered_channels = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(outbox.StatusSent), channelList(delivered), s.ts(now),
		id, string(outbox.StatusProcessing))
}

func (s *SQLStore) Reschedule(ctx context.Context, id string, availableAt time.Time, delivered []channel.Channel, lastError string, now time.Time) error {
	return s.finish(ctx, id, `
UPDATE notification_outbox
SET status = ?, available_at = ?, delivered_channels = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(outbox.StatusPending), s.ts(availableAt), channelList(delivered), nullable(lastError), s.ts(now),
		id, string(outbox.StatusProcessing))
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, delivered []channel.Channel, lastError string, now time.Time) error {
	return s.finish(ctx, id, `
UPDATE notification_outbox
SET status = ?, delivered_channels = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(outbox.StatusFailed), channelList(delivered), nullable(lastError), s.ts(now),
		id, string(outbox.StatusProcessing))
}

func (s *SQLStore) finish(ctx context.Context, id, query string, args ...any) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update outbox entry %s: %w", id, outbox.ErrLostClaim)
	}
	return nil
}

const staleError = "visibility timeout expired while processing"

func (s *SQLStore) RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (requeued, failed int64, err error) {
	err = s.InTx(ctx, func(tx *SQLStore) error {
		if maxAttempts > 0 {
			n, err := tx.exec(ctx, `
UPDATE notification_outbox
SET status = ?, last_error = ?, updated_at = ?
WHERE status = ? AND updated_at < ? AND attempts >= ?`,
				string(outbox.StatusFailed), staleError, tx.ts(now),
				string(outbox.StatusProcessing), tx.ts(cutoff), maxAttempts)
			if err != nil {
				return fmt.Errorf("fail stale entries: %w", err)
			}
			failed = n
		}
		n, err := tx.exec(ctx, `
UPDATE notification_outbox
SET status = ?, available_at = NULL, last_error = ?, updated_at = ?
WHERE status = ? AND updated_at < ?`,
			string(outbox.StatusPending), staleError, tx.ts(now),
			string(outbox.StatusProcessing), tx.ts(cutoff))
		if err != nil {
			return fmt.Errorf("requeue stale entries: %w", err)
		}
		requeued = n
		return nil
	})
	return requeued, failed, err
}
