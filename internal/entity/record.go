package entity

import (
	"fmt"

	"github.com/example/notification-outbox/internal/channel"
)

// Record is a generic entity backed by a row of attributes. It routes by the
// conventional column names and scopes through "client_type"/"client_id".
type Record struct {
	Key        Ref
	Attributes map[string]any
}

func (r Record) Ref() Ref { return r.Key }

func (r Record) RouteFor(ch channel.Channel) string {
	switch ch {
	case channel.Mail:
		return r.attr("email")
	case channel.SMS:
		return r.attr("phone")
	case channel.Push:
		return r.attr("device_token")
	case channel.Slack:
		return r.attr("slack_webhook_url")
	default:
		return ""
	}
}

func (r Record) IdentityScope() Ref {
	typ, id := r.attr("client_type"), r.attr("client_id")
	if typ == "" || id == "" {
		return r.Key
	}
	return Ref{Type: typ, ID: id}
}

func (r Record) attr(key string) string {
	v, ok := r.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
