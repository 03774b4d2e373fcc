package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending schema migration for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	dir := "migrations/postgres"
	if s.dialect == dialectSQLite {
		dir = "migrations/sqlite"
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.dialect {
	case dialectPostgres:
		m, err = migrate.NewWithSourceInstance("iofs", src, pgxMigrateURL(s.url))
		if err != nil {
			return fmt.Errorf("init migrate: %w", err)
		}
		defer m.Close()
	default:
		// The sqlite driver closes the database on Close, so m is not closed.
		driver, derr := sqlite.WithInstance(s.db.DB, &sqlite.Config{})
		if derr != nil {
			return fmt.Errorf("init sqlite migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
		if err != nil {
			return fmt.Errorf("init migrate: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func pgxMigrateURL(url string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}
