package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the named lease for holder until the given time. It
// succeeds when the lease is free, expired, or already held by holder, in
// which case the expiry is extended.
func (s *SQLStore) AcquireLease(ctx context.Context, name, holder string, until, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
INSERT INTO outbox_locks (name, holder, expires_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
WHERE outbox_locks.expires_at < ? OR outbox_locks.holder = excluded.holder`,
		name, holder, s.ts(until), s.ts(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.exec(ctx, `DELETE FROM outbox_locks WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
