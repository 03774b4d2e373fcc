package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/example/notification-outbox/internal/entity"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TableLookup resolves entities of typeAlias from rows of table keyed by id.
// The row's columns become the record's attributes.
func (s *SQLStore) TableLookup(typeAlias, table string) (entity.LookupFunc, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := s.rebind(`SELECT * FROM ` + table + ` WHERE CAST(id AS TEXT) = ?`)
	return func(ctx context.Context, id string) (entity.Entity, error) {
		attrs := map[string]any{}
		err := s.q.QueryRowxContext(ctx, query, id).MapScan(attrs)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s %s: %w", typeAlias, id, err)
		}
		return entity.Record{Key: entity.Ref{Type: typeAlias, ID: id}, Attributes: attrs}, nil
	}, nil
}

// ParseEntityTables parses "user:users,client:clients" into alias→table.
func ParseEntityTables(list string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		alias, table, ok := strings.Cut(part, ":")
		if !ok || alias == "" || table == "" {
			return nil, fmt.Errorf("invalid entity table mapping %q", part)
		}
		out[alias] = table
	}
	return out, nil
}
