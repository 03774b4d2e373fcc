package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/example/notification-outbox/internal/channel"
)

var ErrUnsupportedURL = errors.New("unsupported database url")

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// sqliteTime is fixed width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02 15:04:05.000000000"

type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// SQLStore implements the outbox, notification, provider config and sender
// identity stores on Postgres or SQLite.
type SQLStore struct {
	db      *sqlx.DB
	q       querier
	pool    *pgxpool.Pool
	dialect dialect
	url     string
}

// Open connects to url. postgres:// and postgresql:// use pgx, sqlite://path
// opens (or creates) a SQLite file.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
		return &SQLStore{db: db, q: db, pool: pool, dialect: dialectPostgres, url: url}, nil

	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("%w: missing sqlite path", ErrUnsupportedURL)
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		db, err := sqlx.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
		if err != nil {
			return nil, fmt.Errorf("opening sqlite db: %w", err)
		}
		// One connection serialises writers; SQLite allows a single writer anyway.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		return &SQLStore{db: db, q: db, dialect: dialectSQLite, url: url}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Pool is the pgx pool behind a Postgres store, nil for SQLite.
func (s *SQLStore) Pool() *pgxpool.Pool { return s.pool }

func (s *SQLStore) IsPostgres() bool { return s.dialect == dialectPostgres }

// InTx runs fn with a store bound to one transaction. The transaction commits
// when fn returns nil and rolls back on error or panic. Nested calls reuse the
// outer transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx *SQLStore) error) (err error) {
	if _, ok := s.q.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	bound := &SQLStore{db: s.db, q: tx, pool: s.pool, dialect: s.dialect, url: s.url}
	if err = fn(bound); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	return s.q.Rebind(query)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ts converts t to the parameter form of the dialect.
func (s *SQLStore) ts(t time.Time) any {
	if s.dialect == dialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

func (s *SQLStore) tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

// jsonMap is a JSON object column.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *jsonMap) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*m = nil
		return err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode json object: %w", err)
	}
	*m = out
	return nil
}

// channelList is a JSON array column of channel names. Empty lists are
// stored as NULL.
type channelList []channel.Channel

func (c channelList) Value() (driver.Value, error) {
	if len(c) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(channel.Strings(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *channelList) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*c = nil
		return err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("decode channel list: %w", err)
	}
	out := make([]channel.Channel, len(names))
	for i, n := range names {
		out[i] = channel.Channel(n)
	}
	*c = out
	return nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
