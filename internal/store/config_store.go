package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/provider"
)

const configColumns = `id, uuid, type, name, channel, config, priority, is_active, description`

type configRow struct {
	ID          int64          `db:"id"`
	UUID        string         `db:"uuid"`
	Type        string         `db:"type"`
	Name        string         `db:"name"`
	Channel     sql.NullString `db:"channel"`
	Config      jsonMap        `db:"config"`
	Priority    int            `db:"priority"`
	IsActive    bool           `db:"is_active"`
	Description sql.NullString `db:"description"`
}

func (r configRow) config() provider.Config {
	c := provider.Config{
		ID:          r.ID,
		UUID:        r.UUID,
		Type:        channel.ConfigType(r.Type),
		Name:        r.Name,
		Settings:    provider.Settings(r.Config),
		Priority:    r.Priority,
		IsActive:    r.IsActive,
		Description: nullString(r.Description),
	}
	if r.Channel.Valid {
		ch := channel.Channel(r.Channel.String)
		c.Channel = &ch
	}
	return c
}

// ActiveConfigs returns the failover order for typ: priority, then insertion.
func (s *SQLStore) ActiveConfigs(ctx context.Context, typ channel.ConfigType) ([]provider.Config, error) {
	var rows []configRow
	err := s.q.SelectContext(ctx, &rows, s.rebind(`
SELECT `+configColumns+` FROM notification_configs
WHERE type = ? AND is_active = ?
ORDER BY priority ASC, id ASC`), string(typ), true)
	if err != nil {
		return nil, fmt.Errorf("select active configs: %w", err)
	}
	out := make([]provider.Config, len(rows))
	for i, r := range rows {
		out[i] = r.config()
	}
	return out, nil
}

func (s *SQLStore) ListConfigs(ctx context.Context) ([]provider.Config, error) {
	var rows []configRow
	err := s.q.SelectContext(ctx, &rows, `SELECT `+configColumns+` FROM notification_configs ORDER BY type, priority, id`)
	if err != nil {
		return nil, fmt.Errorf("select configs: %w", err)
	}
	out := make([]provider.Config, len(rows))
	for i, r := range rows {
		out[i] = r.config()
	}
	return out, nil
}

// CreateConfig inserts c and returns it with its id and uuid set.
func (s *SQLStore) CreateConfig(ctx context.Context, c provider.Config) (provider.Config, error) {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	var ch any
	if c.Channel != nil {
		ch = string(*c.Channel)
	}
	settings := jsonMap(c.Settings)
	if settings == nil {
		settings = jsonMap{}
	}
	now := time.Now()
	err := s.q.QueryRowxContext(ctx, s.rebind(`
INSERT INTO notification_configs (uuid, type, name, channel, config, priority, is_active, description, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		c.UUID, string(c.Type), c.Name, ch, settings, c.Priority, c.IsActive, nullable(c.Description),
		s.ts(now), s.ts(now),
	).Scan(&c.ID)
	if err != nil {
		return provider.Config{}, fmt.Errorf("insert config %s: %w", c.Name, err)
	}
	return c, nil
}

func (s *SQLStore) SetConfigActive(ctx context.Context, id int64, active bool) error {
	n, err := s.exec(ctx, `UPDATE notification_configs SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, s.ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update config %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update config %d: %w", id, sql.ErrNoRows)
	}
	return nil
}
