package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Entry is one notification_outbox row.
type Entry struct {
	ID          string
	EventType   string
	Notifiable  entity.Ref
	Entity      *entity.Ref
	Channels    []channel.Channel
	Payload     map[string]any
	Status      Status
	Attempts    int
	AvailableAt *time.Time
	DedupeKey   *string
	// Delivered lists channels that already succeeded on an earlier attempt.
	// They are not re-sent when the row is retried.
	Delivered []channel.Channel
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelData returns the payload sub-object for ch, e.g. payload["mail_data"].
func (e Entry) ChannelData(ch channel.Channel) map[string]any {
	raw, ok := e.Payload[channel.PayloadKey(ch)]
	if !ok {
		return map[string]any{}
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": raw}
}

// Due reports whether the row may be claimed at now.
func (e Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && (e.AvailableAt == nil || !e.AvailableAt.After(now))
}

// ErrClaimConflict means the row was no longer pending when we tried to claim
// it. Another processor won the race; the row is skipped.
var ErrClaimConflict = errors.New("outbox entry already claimed")

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrLostClaim means a finishing update found the row no longer in
	// processing, e.g. it was requeued after the visibility timeout.
	ErrLostClaim = errors.New("outbox entry no longer processing")
)

// PublishError reports a malformed publish request. Nothing is written.
type PublishError struct {
	Field  string
	Reason string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("invalid publish request: %s %s", e.Field, e.Reason)
}

// RowError is a failure while processing one claimed row.
type RowError struct {
	EntryID string
	Err     error
}

func (e *RowError) Error() string { return fmt.Sprintf("outbox entry %s: %v", e.EntryID, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// PanicError is a recovered panic from row processing.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// RetryPolicy bounds how often a failing row is retried and how long it waits
// between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Schedule:    []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour},
	}
}

// Backoff returns the delay after the given attempt (1-based). Attempts past
// the end of the schedule reuse its last step.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Schedule) {
		i = len(p.Schedule) - 1
	}
	return p.Schedule[i]
}

// Exhausted reports whether a row with this many attempts may not run again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Store persists outbox rows. Implementations must make ClaimEntry atomic:
// only a row still pending is moved to processing.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) (Entry, bool, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	DueEntries(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// ClaimEntry returns false when the row was not pending.
	ClaimEntry(ctx context.Context, id string, now time.Time) (Entry, bool, error)
	MarkSent(ctx context.Context, id string, delivered []channel.Channel, now time.Time) error
	Reschedule(ctx context.Context, id string, availableAt time.Time, delivered []channel.Channel, lastError string, now time.Time) error
	MarkFailed(ctx context.Context, id string, delivered []channel.Channel, lastError string, now time.Time) error
	// RequeueStale moves processing rows last touched before cutoff back to
	// pending, or to failed when maxAttempts is reached.
	RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (requeued, failed int64, err error)
}
