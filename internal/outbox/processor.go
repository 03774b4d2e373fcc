package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
	"github.com/example/notification-outbox/internal/lock"
	"github.com/example/notification-outbox/internal/notification"
	"github.com/example/notification-outbox/internal/provider"
)

var (
	rowCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_rows_total",
		Help: "Outbox rows handled by outcome",
	}, []string{"outcome"})
	batchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_duration_seconds",
		Help:    "Duration of one outbox batch",
		Buckets: prometheus.DefBuckets,
	})
)

// Sender delivers a message on a non-database channel.
type Sender interface {
	Send(ctx context.Context, ch channel.Channel, msg provider.Message) provider.Report
}

type EntityResolver interface {
	Resolve(ctx context.Context, ref entity.Ref) (entity.Entity, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, ch channel.Channel, ictx identity.Context) (*identity.Identity, error)
}

// Recorder writes the in-app notification for the database channel.
type Recorder interface {
	Create(ctx context.Context, rec notification.Record) (notification.Record, error)
	RecordDelivery(ctx context.Context, id string, d notification.Delivery) error
}

type ProcessorConfig struct {
	// Concurrency is the number of rows processed in parallel.
	Concurrency int
	// VisibilityTimeout is how long a row may stay processing before it is
	// considered abandoned and requeued.
	VisibilityTimeout time.Duration
	Retry             RetryPolicy
	// LockName names the lock that keeps runs from overlapping.
	LockName string
}

// BatchResult summarises one ProcessBatch call.
type BatchResult struct {
	Requeued  int
	Selected  int
	Claimed   int
	Conflicts int
	Sent      int
	Retried   int
	Failed    int
	Errors    []error
}

// Processed is the number of rows this batch claimed and ran.
func (r BatchResult) Processed() int { return r.Claimed }

// Processor claims due outbox rows and delivers them.
type Processor struct {
	Store      Store
	Records    Recorder
	Sender     Sender
	Entities   EntityResolver
	Identities IdentityResolver
	Locker     lock.Locker
	Config     ProcessorConfig
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) retry() RetryPolicy {
	if p.Config.Retry.MaxAttempts == 0 && len(p.Config.Retry.Schedule) == 0 {
		return DefaultRetryPolicy()
	}
	return p.Config.Retry
}

// ErrLocked is returned by RunOnce when another run holds the lock.
var ErrLocked = errors.New("previous run still active")

// RunOnce processes one batch under the run lock.
func (p *Processor) RunOnce(ctx context.Context, limit int) (BatchResult, error) {
	if p.Locker != nil {
		name := p.Config.LockName
		if name == "" {
			name = "process-outbox"
		}
		release, err := p.Locker.TryLock(ctx, name)
		if errors.Is(err, lock.ErrHeld) {
			return BatchResult{}, ErrLocked
		}
		if err != nil {
			return BatchResult{}, fmt.Errorf("acquire run lock: %w", err)
		}
		defer release()
	}
	return p.ProcessBatch(ctx, limit)
}

// Run calls RunOnce every interval until ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.RunOnce(ctx, limit)
		switch {
		case errors.Is(err, ErrLocked):
			p.Logger.Info().Msg("previous run still active, skipping")
		case err != nil:
			p.Logger.Error().Err(err).Msg("outbox batch failed")
		case res.Selected > 0 || res.Requeued > 0:
			p.Logger.Info().
				Int("claimed", res.Claimed).
				Int("sent", res.Sent).
				Int("retried", res.Retried).
				Int("failed", res.Failed).
				Msg("outbox batch done")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch runs up to limit due rows oldest first. Row failures are
// recorded on the row and in the result; only failing to read the outbox
// returns an error.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	start := time.Now()
	defer func() { batchLatency.Observe(time.Since(start).Seconds()) }()

	var res BatchResult
	retry := p.retry()

	if p.Config.VisibilityTimeout > 0 {
		now := p.now()
		requeued, failed, err := p.Store.RequeueStale(ctx, now.Add(-p.Config.VisibilityTimeout), retry.MaxAttempts, now)
		if err != nil {
			return res, fmt.Errorf("requeue stale entries: %w", err)
		}
		res.Requeued = int(requeued + failed)
		if requeued+failed > 0 {
			rowCounter.WithLabelValues("requeued").Add(float64(requeued))
			rowCounter.WithLabelValues("abandoned").Add(float64(failed))
			p.Logger.Warn().Int64("requeued", requeued).Int64("failed", failed).Msg("reclaimed stale processing entries")
		}
	}

	if limit <= 0 {
		limit = 100
	}
	entries, err := p.Store.DueEntries(ctx, p.now(), limit)
	if err != nil {
		return res, fmt.Errorf("list due entries: %w", err)
	}
	res.Selected = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	concurrency := p.Config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, e := range entries {
		if gctx.Err() != nil {
			break
		}
		id := e.ID
		g.Go(func() error {
			outcome, err := p.handle(gctx, id, retry)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeConflict:
				res.Conflicts++
			case outcomeSent:
				res.Claimed++
				res.Sent++
			case outcomeRetried:
				res.Claimed++
				res.Retried++
			case outcomeFailed:
				res.Claimed++
				res.Failed++
			case outcomeUnknown:
				res.Claimed++
			}
			if err != nil {
				res.Errors = append(res.Errors, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

type rowOutcome int

const (
	outcomeConflict rowOutcome = iota
	outcomeSent
	outcomeRetried
	outcomeFailed
	outcomeUnknown
)

// Claim moves a pending row to processing and bumps its attempts. It returns
// ErrClaimConflict when the row is no longer pending.
func (p *Processor) Claim(ctx context.Context, id string) (Entry, error) {
	e, ok, err := p.Store.ClaimEntry(ctx, id, p.now())
	if err != nil {
		return Entry{}, fmt.Errorf("claim %s: %w", id, err)
	}
	if !ok {
		return Entry{}, ErrClaimConflict
	}
	return e, nil
}

func (p *Processor) handle(ctx context.Context, id string, retry RetryPolicy) (rowOutcome, error) {
	e, err := p.Claim(ctx, id)
	if errors.Is(err, ErrClaimConflict) {
		rowCounter.WithLabelValues("conflict").Inc()
		p.Logger.Debug().Str("outbox_id", id).Msg("entry claimed elsewhere, skipping")
		return outcomeConflict, nil
	}
	if err != nil {
		p.Logger.Error().Err(err).Str("outbox_id", id).Msg("claim failed")
		return outcomeConflict, &RowError{EntryID: id, Err: err}
	}

	ctx, span := otel.Tracer("outbox-processor").Start(ctx, "outbox.process_row")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.id", e.ID),
		attribute.String("outbox.event_type", e.EventType),
		attribute.Int("outbox.attempts", e.Attempts),
	)
	logger := common.WithContext(ctx, p.Logger).With().
		Str("outbox_id", e.ID).
		Str("event_type", e.EventType).
		Int("attempts", e.Attempts).
		Logger()

	d, runErr := p.safeDeliver(ctx, e, logger)
	if d.delivered == nil {
		d.delivered = e.Delivered
	}
	if runErr == nil && d.failedRow() {
		runErr = d.err()
	}
	now := p.now()

	if runErr == nil {
		if err := p.Store.MarkSent(ctx, e.ID, d.delivered, now); err != nil {
			logger.Error().Err(err).Msg("mark sent failed")
			return outcomeUnknown, &RowError{EntryID: e.ID, Err: err}
		}
		rowCounter.WithLabelValues("sent").Inc()
		if len(d.failed) > 0 {
			logger.Warn().Strs("failed_channels", channel.Strings(d.failed)).Msg("entry sent with failed channels")
		} else {
			logger.Info().Msg("entry sent")
		}
		return outcomeSent, nil
	}

	span.RecordError(runErr)
	rowErr := &RowError{EntryID: e.ID, Err: runErr}
	if retry.Exhausted(e.Attempts) {
		if err := p.Store.MarkFailed(ctx, e.ID, d.delivered, runErr.Error(), now); err != nil {
			logger.Error().Err(err).Msg("mark failed failed")
			return outcomeUnknown, rowErr
		}
		rowCounter.WithLabelValues("failed").Inc()
		logger.Error().Err(runErr).Msg("entry failed permanently")
		return outcomeFailed, rowErr
	}

	next := now.Add(retry.Backoff(e.Attempts))
	if err := p.Store.Reschedule(ctx, e.ID, next, d.delivered, runErr.Error(), now); err != nil {
		logger.Error().Err(err).Msg("reschedule failed")
		return outcomeUnknown, rowErr
	}
	rowCounter.WithLabelValues("retried").Inc()
	logger.Warn().Err(runErr).Time("available_at", next).Msg("entry rescheduled")
	return outcomeRetried, rowErr
}

// delivery collects per-channel outcomes of one row.
type delivery struct {
	delivered []channel.Channel
	failed    []channel.Channel
	skipped   []channel.Channel
	errors    map[channel.Channel]string
	providers map[channel.Channel]string
}

// failedRow applies the row outcome rule: the row is sent when at least one
// channel delivered or nothing but skips remain.
func (d delivery) failedRow() bool {
	return len(d.failed) > 0 && len(d.delivered) == 0
}

func (d delivery) err() error {
	if len(d.failed) == 0 {
		return nil
	}
	ch := d.failed[0]
	return fmt.Errorf("channel %s: %s", ch, d.errors[ch])
}

func (p *Processor) safeDeliver(ctx context.Context, e Entry, logger zerolog.Logger) (d delivery, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error().Interface("panic", r).Bytes("stack", perr.Stack).Msg("panic while processing entry")
			err = perr
		}
	}()
	return p.deliver(ctx, e, logger), nil
}

func (p *Processor) deliver(ctx context.Context, e Entry, logger zerolog.Logger) delivery {
	d := delivery{
		delivered: append([]channel.Channel(nil), e.Delivered...),
		errors:    map[channel.Channel]string{},
		providers: map[channel.Channel]string{},
	}
	done := make(map[channel.Channel]bool, len(e.Delivered))
	for _, ch := range e.Delivered {
		done[ch] = true
	}

	var (
		recordID   string
		resolved   entity.Entity
		resolveErr error
		looked     bool
	)
	target := func() (entity.Entity, error) {
		if !looked {
			looked = true
			resolved, resolveErr = p.Entities.Resolve(ctx, e.Notifiable)
		}
		return resolved, resolveErr
	}

	for _, ch := range e.Channels {
		if done[ch] {
			if ch == channel.Database {
				recordID = e.ID
			}
			continue
		}
		if ctx.Err() != nil {
			d.fail(ch, ctx.Err())
			continue
		}
		chLogger := logger.With().Str("channel", string(ch)).Logger()

		if ch == channel.Database {
			rec, err := p.Records.Create(ctx, notification.Record{
				ID:         e.ID,
				Type:       e.EventType,
				Notifiable: e.Notifiable,
				Data:       e.ChannelData(ch),
				Metadata:   map[string]any{"outbox_id": e.ID},
				CreatedAt:  p.now(),
			})
			if err != nil {
				chLogger.Error().Err(err).Msg("create notification record failed")
				d.fail(ch, err)
				continue
			}
			recordID = rec.ID
			d.delivered = append(d.delivered, ch)
			continue
		}

		ent, err := target()
		if errors.Is(err, entity.ErrUnknownType) && hasRecipient(e.ChannelData(ch)) {
			chLogger.Debug().Str("notifiable", e.Notifiable.String()).Msg("unregistered notifiable type, using payload recipient")
			ent, err = nil, nil
		}
		if errors.Is(err, entity.ErrNotFound) {
			chLogger.Warn().Str("notifiable", e.Notifiable.String()).Msg("notifiable not found, skipping channel")
			d.skipped = append(d.skipped, ch)
			continue
		}
		if err != nil {
			chLogger.Error().Err(err).Msg("resolve notifiable failed")
			d.fail(ch, err)
			continue
		}

		msg := p.message(ctx, e, ch, ent, chLogger)
		report := p.Sender.Send(ctx, ch, msg)
		if !report.Success {
			d.fail(ch, report.LastError)
			continue
		}
		d.providers[ch] = report.Provider
		d.delivered = append(d.delivered, ch)
	}

	if recordID != "" && p.Records != nil {
		if err := p.Records.RecordDelivery(ctx, recordID, d.record(e, p.now())); err != nil {
			logger.Error().Err(err).Msg("record delivery outcome failed")
		}
	}
	return d
}

func (d *delivery) fail(ch channel.Channel, err error) {
	d.failed = append(d.failed, ch)
	if err == nil {
		err = errors.New("delivery failed")
	}
	d.errors[ch] = err.Error()
}

func (d delivery) record(e Entry, now time.Time) notification.Delivery {
	meta := map[string]any{
		"outbox_id": e.ID,
		"attempts":  e.Attempts,
	}
	if len(d.errors) > 0 {
		errs := make(map[string]any, len(d.errors))
		for ch, msg := range d.errors {
			errs[string(ch)] = msg
		}
		meta["errors"] = errs
	}
	if len(d.skipped) > 0 {
		meta["skipped"] = channel.Strings(d.skipped)
	}
	if len(d.providers) > 0 {
		used := make(map[string]any, len(d.providers))
		for ch, name := range d.providers {
			used[string(ch)] = name
		}
		meta["providers"] = used
	}
	out := notification.Delivery{
		ChannelsSent:   d.delivered,
		FailedChannels: d.failed,
		Metadata:       meta,
	}
	if len(d.delivered) > 0 {
		out.SentAt = &now
	}
	return out
}

// message builds the provider request for ch. The route comes from the
// payload's "to" key when present, else from the entity.
func hasRecipient(data map[string]any) bool {
	to, ok := data["to"].(string)
	return ok && to != ""
}

func (p *Processor) message(ctx context.Context, e Entry, ch channel.Channel, ent entity.Entity, logger zerolog.Logger) provider.Message {
	data := e.ChannelData(ch)
	msg := provider.Message{
		ID:         e.ID,
		EventType:  e.EventType,
		Channel:    ch,
		Notifiable: e.Notifiable,
		Entity:     ent,
		Data:       data,
	}
	if hasRecipient(data) {
		msg.To = data["to"].(string)
	} else if r, ok := ent.(entity.Routable); ok {
		msg.To = r.RouteFor(ch)
	}

	if p.Identities == nil {
		return msg
	}
	ictx := identity.Context{Subject: e.Notifiable}
	if s, ok := ent.(entity.Scoped); ok {
		scope := s.IdentityScope()
		ictx.Scope = &scope
	}
	id, err := p.Identities.Resolve(ctx, ch, ictx)
	if err != nil {
		logger.Error().Err(err).Msg("resolve sender identity failed, using provider defaults")
		return msg
	}
	msg.Identity = id
	return msg
}
