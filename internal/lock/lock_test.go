package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestLocalExcludesSecondHolder(t *testing.T) {
	l := NewLocal()
	release, err := l.TryLock(context.Background(), "process-outbox")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(context.Background(), "process-outbox"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := l.TryLock(context.Background(), "other"); err != nil {
		t.Fatalf("independent name should lock: %v", err)
	}

	release()
	release()
	again, err := l.TryLock(context.Background(), "process-outbox")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	again()
}

type lease struct {
	holder string
	until  time.Time
}

type memLeases struct {
	mu   sync.Mutex
	rows map[string]lease
}

func (m *memLeases) AcquireLease(_ context.Context, name, holder string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[name]; ok && cur.holder != holder && !cur.until.Before(now) {
		return false, nil
	}
	m.rows[name] = lease{holder: holder, until: until}
	return true, nil
}

func (m *memLeases) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[name].holder == holder {
		delete(m.rows, name)
	}
	return nil
}

func TestLeaseExcludesOtherProcesses(t *testing.T) {
	store := &memLeases{rows: map[string]lease{}}
	first := NewLease(store, time.Minute)
	second := NewLease(store, time.Minute)

	release, err := first.TryLock(context.Background(), "process-outbox")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := second.TryLock(context.Background(), "process-outbox"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}

	release()
	release()
	again, err := second.TryLock(context.Background(), "process-outbox")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	again()
}

func TestLeaseExpiresWhenHolderDies(t *testing.T) {
	store := &memLeases{rows: map[string]lease{}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	dead := &Lease{Store: store, TTL: time.Hour, Now: clock}
	if _, err := dead.TryLock(context.Background(), "process-outbox"); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	next := &Lease{Store: store, TTL: time.Hour, Now: clock}
	if _, err := next.TryLock(context.Background(), "process-outbox"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	now = now.Add(2 * time.Hour)
	release, err := next.TryLock(context.Background(), "process-outbox")
	if err != nil {
		t.Fatalf("TryLock after expiry: %v", err)
	}
	release()
}

func TestPostgresAdvisoryLock(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	l := NewPostgres(pool)
	release, err := l.TryLock(context.Background(), "lock-test")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(context.Background(), "lock-test"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	release()
	again, err := l.TryLock(context.Background(), "lock-test")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	again()
}
