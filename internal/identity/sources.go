package identity

import (
	"context"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
)

// DefaultSource serves global per-channel defaults from configuration.
type DefaultSource map[channel.Channel]Identity

func (s DefaultSource) Identity(_ context.Context, ch channel.Channel, _ Context) (*Identity, error) {
	id, ok := s[ch]
	if !ok || id.IsEmpty() {
		return nil, nil
	}
	return &id, nil
}

// Lookup returns stored identities for a scope: the channel-agnostic row
// (channel nil) and the channel-specific row, either possibly nil.
type Lookup interface {
	SenderIdentities(ctx context.Context, scope entity.Ref, ch channel.Channel) (generic, specific *Identity, err error)
}

// StoreSource reads tenant-scoped identities. The channel-specific row is
// the more specific overlay.
type StoreSource struct {
	Lookup Lookup
}

func (s StoreSource) Identity(ctx context.Context, ch channel.Channel, ictx Context) (*Identity, error) {
	scope := ictx.scopeRef()
	if !scope.Valid() {
		return nil, nil
	}
	generic, specific, err := s.Lookup.SenderIdentities(ctx, scope, ch)
	if err != nil {
		return nil, err
	}
	switch {
	case generic == nil && specific == nil:
		return nil, nil
	case generic == nil:
		return specific, nil
	case specific == nil:
		return generic, nil
	}
	merged := Merge(*generic, *specific)
	return &merged, nil
}
