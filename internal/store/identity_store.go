package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
)

const identityColumns = `channel, from_name, from_email, from_phone, reply_to_email,
reply_to_name, reply_to_phone, metadata`

type identityRow struct {
	Channel      *string `db:"channel"`
	FromName     *string `db:"from_name"`
	FromEmail    *string `db:"from_email"`
	FromPhone    *string `db:"from_phone"`
	ReplyToEmail *string `db:"reply_to_email"`
	ReplyToName  *string `db:"reply_to_name"`
	ReplyToPhone *string `db:"reply_to_phone"`
	Metadata     jsonMap `db:"metadata"`
}

func (r identityRow) identity() identity.Identity {
	return identity.Identity{
		FromName:     r.FromName,
		FromEmail:    r.FromEmail,
		FromPhone:    r.FromPhone,
		ReplyToEmail: r.ReplyToEmail,
		ReplyToName:  r.ReplyToName,
		ReplyToPhone: r.ReplyToPhone,
		Metadata:     map[string]any(r.Metadata),
	}
}

// SenderIdentities returns the channel-agnostic and the channel-specific
// identity rows stored for scope.
func (s *SQLStore) SenderIdentities(ctx context.Context, scope entity.Ref, ch channel.Channel) (generic, specific *identity.Identity, err error) {
	var rows []identityRow
	err = s.q.SelectContext(ctx, &rows, s.rebind(`
SELECT `+identityColumns+` FROM sender_identities
WHERE entity_type = ? AND entity_id = ? AND (channel IS NULL OR channel = ?)`),
		scope.Type, scope.ID, string(ch))
	if err != nil {
		return nil, nil, fmt.Errorf("select sender identities: %w", err)
	}
	for _, r := range rows {
		id := r.identity()
		if r.Channel == nil {
			generic = &id
		} else {
			specific = &id
		}
	}
	return generic, specific, nil
}

// UpsertIdentity stores id for scope. A nil ch writes the channel-agnostic row.
func (s *SQLStore) UpsertIdentity(ctx context.Context, scope entity.Ref, ch *channel.Channel, id identity.Identity) error {
	var chArg any
	match := `channel IS NULL`
	args := []any{scope.Type, scope.ID}
	if ch != nil {
		chArg = string(*ch)
		match = `channel = ?`
		args = append(args, chArg)
	}
	now := s.ts(time.Now())

	return s.InTx(ctx, func(tx *SQLStore) error {
		values := []any{id.FromName, id.FromEmail, id.FromPhone, id.ReplyToEmail, id.ReplyToName, id.ReplyToPhone, jsonMap(id.Metadata), now}
		n, err := tx.exec(ctx, `
UPDATE sender_identities
SET from_name = ?, from_email = ?, from_phone = ?, reply_to_email = ?, reply_to_name = ?,
    reply_to_phone = ?, metadata = ?, updated_at = ?
WHERE entity_type = ? AND entity_id = ? AND `+match, append(values, args...)...)
		if err != nil {
			return fmt.Errorf("update sender identity: %w", err)
		}
		if n > 0 {
			return nil
		}
		_, err = tx.exec(ctx, `
INSERT INTO sender_identities (entity_type, entity_id, channel, from_name, from_email, from_phone,
    reply_to_email, reply_to_name, reply_to_phone, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scope.Type, scope.ID, chArg, id.FromName, id.FromEmail, id.FromPhone,
			id.ReplyToEmail, id.ReplyToName, id.ReplyToPhone, jsonMap(id.Metadata), now, now)
		if err != nil {
			return fmt.Errorf("insert sender identity: %w", err)
		}
		return nil
	})
}
