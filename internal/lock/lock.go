package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrHeld means another holder has the lock.
var ErrHeld = errors.New("lock held by another process")

// Release gives the lock back. It is safe to call more than once.
type Release func()

// Locker hands out named, non-blocking, mutually exclusive locks.
type Locker interface {
	TryLock(ctx context.Context, name string) (Release, error)
}

// Local is an in-process Locker. It does not exclude other processes.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: map[string]bool{}}
}

func (l *Local) TryLock(_ context.Context, name string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrHeld
	}
	l.held[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

// Postgres uses session-level advisory locks. The lock lives on one pooled
// connection that is held until Release.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) TryLock(ctx context.Context, name string) (Release, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// A failed unlock must not return a locked session to the pool.
			if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", name); err != nil {
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}

// LeaseStore keeps one expiring row per lock name.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, until, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Lease locks through a shared database, so separate processes on the same
// SQLite file exclude each other. The lease is renewed while held; a holder
// that dies blocks others until TTL passes.
type Lease struct {
	Store LeaseStore
	TTL   time.Duration
	Now   func() time.Time
}

func NewLease(store LeaseStore, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Lease{Store: store, TTL: ttl, Now: time.Now}
}

func (l *Lease) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lease) TryLock(ctx context.Context, name string) (Release, error) {
	holder := uuid.NewString()
	now := l.now()
	ok, err := l.Store.AcquireLease(ctx, name, holder, now.Add(l.TTL), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(l.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := l.now()
				_, _ = l.Store.AcquireLease(context.Background(), name, holder, now.Add(l.TTL), now)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			_ = l.Store.ReleaseLease(context.Background(), name, holder)
		})
	}, nil
}
