package identity

import (
	"context"
	"fmt"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
)

// Identity is the sender/reply-to decoration of an outgoing message. Nil
// fields mean "not set" so a merge can tell absence from an empty value.
type Identity struct {
	FromName     *string        `json:"from_name,omitempty"`
	FromEmail    *string        `json:"from_email,omitempty"`
	FromPhone    *string        `json:"from_phone,omitempty"`
	ReplyToEmail *string        `json:"reply_to_email,omitempty"`
	ReplyToName  *string        `json:"reply_to_name,omitempty"`
	ReplyToPhone *string        `json:"reply_to_phone,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func String(s string) *string { return &s }

// Value dereferences p, returning fallback when unset.
func Value(p *string, fallback string) string {
	if p == nil || *p == "" {
		return fallback
	}
	return *p
}

func (i Identity) IsEmpty() bool {
	return i.FromName == nil && i.FromEmail == nil && i.FromPhone == nil &&
		i.ReplyToEmail == nil && i.ReplyToName == nil && i.ReplyToPhone == nil &&
		len(i.Metadata) == 0
}

// Merge returns base overlaid with every non-nil field of overlay. Metadata
// maps are unioned, overlay winning on key collision. Inputs are not modified.
func Merge(base, overlay Identity) Identity {
	out := Identity{
		FromName:     pick(base.FromName, overlay.FromName),
		FromEmail:    pick(base.FromEmail, overlay.FromEmail),
		FromPhone:    pick(base.FromPhone, overlay.FromPhone),
		ReplyToEmail: pick(base.ReplyToEmail, overlay.ReplyToEmail),
		ReplyToName:  pick(base.ReplyToName, overlay.ReplyToName),
		ReplyToPhone: pick(base.ReplyToPhone, overlay.ReplyToPhone),
	}
	if len(base.Metadata)+len(overlay.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(base.Metadata)+len(overlay.Metadata))
		for k, v := range base.Metadata {
			out.Metadata[k] = v
		}
		for k, v := range overlay.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func pick(base, overlay *string) *string {
	if overlay != nil {
		v := *overlay
		return &v
	}
	if base != nil {
		v := *base
		return &v
	}
	return nil
}

// Context identifies whose identity applies. Scope is the tenant-like owner;
// when nil the subject itself is used.
type Context struct {
	Subject entity.Ref
	Scope   *entity.Ref
}

func (c Context) scopeRef() entity.Ref {
	if c.Scope != nil && c.Scope.Valid() {
		return *c.Scope
	}
	return c.Subject
}

// Source yields an identity fragment for a channel, or nil.
type Source interface {
	Identity(ctx context.Context, ch channel.Channel, ictx Context) (*Identity, error)
}

// Resolver merges its sources in order, later sources overriding earlier ones.
type Resolver struct {
	sources []Source
}

func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve returns nil when no source contributes anything.
func (r *Resolver) Resolve(ctx context.Context, ch channel.Channel, ictx Context) (*Identity, error) {
	var (
		merged Identity
		found  bool
	)
	for _, src := range r.sources {
		id, err := src.Identity(ctx, ch, ictx)
		if err != nil {
			return nil, fmt.Errorf("identity source: %w", err)
		}
		if id == nil || id.IsEmpty() {
			continue
		}
		merged = Merge(merged, *id)
		found = true
	}
	if !found {
		return nil, nil
	}
	return &merged, nil
}
