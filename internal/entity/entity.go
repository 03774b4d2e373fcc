package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/notification-outbox/internal/channel"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrUnknownType = errors.New("unknown entity type")
)

// Ref is a polymorphic reference to a domain object, e.g. {user 42}.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) IsZero() bool { return r.Type == "" && r.ID == "" }

func (r Ref) Valid() bool { return r.Type != "" && r.ID != "" }

func (r Ref) String() string { return r.Type + ":" + r.ID }

// Entity is a resolved domain object.
type Entity interface {
	Ref() Ref
}

// Routable entities know their address on a channel (email, phone, device token).
type Routable interface {
	RouteFor(ch channel.Channel) string
}

// Scoped entities belong to a tenant whose sender identity applies to them.
type Scoped interface {
	IdentityScope() Ref
}

// LookupFunc loads an entity by id. Missing rows must yield ErrNotFound.
type LookupFunc func(ctx context.Context, id string) (Entity, error)

// Registry maps type aliases to lookup functions.
type Registry struct {
	mu      sync.RWMutex
	lookups map[string]LookupFunc
}

func NewRegistry() *Registry {
	return &Registry{lookups: map[string]LookupFunc{}}
}

func (r *Registry) Register(typeAlias string, fn LookupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[typeAlias] = fn
}

func (r *Registry) Resolve(ctx context.Context, ref Ref) (Entity, error) {
	r.mu.RLock()
	fn, ok := r.lookups[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, ref.Type)
	}
	e, err := fn(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if e == nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, ErrNotFound)
	}
	return e, nil
}
