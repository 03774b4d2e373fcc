package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
)

var (
	ErrNoProviders = errors.New("no active providers configured")
	ErrUnavailable = errors.New("provider unavailable")
	ErrPanicked    = errors.New("provider panicked")
)

var (
	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_attempts_total",
		Help: "Provider send attempts by outcome",
	}, []string{"channel", "provider", "result"})
	attemptLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_attempt_duration_seconds",
		Help:    "Latency of provider send attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel", "provider"})
)

// RejectedError is a provider returning Success=false.
type RejectedError struct {
	Provider string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider %s rejected message: %s", e.Provider, e.Reason)
}

type ManagerConfig struct {
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// RetryBudget is how long one provider may be retried on transient
	// errors before moving on. Zero disables retries.
	RetryBudget time.Duration
}

// Attempt records one provider in the failover chain.
type Attempt struct {
	Provider string
	ConfigID int64
	Err      error
	Duration time.Duration
}

// Report is the outcome of sending on a channel.
type Report struct {
	Channel   channel.Channel
	Success   bool
	Provider  string
	Attempts  []Attempt
	LastError error
}

func (r Report) AttemptedProviders() []string {
	names := make([]string, len(r.Attempts))
	for i, a := range r.Attempts {
		names[i] = a.Provider
	}
	return names
}

// Manager walks the priority-ordered provider chain of a channel until one
// provider succeeds.
type Manager struct {
	configs  ConfigStore
	registry *Registry
	cfg      ManagerConfig
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewManager(configs ConfigStore, registry *Registry, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{
		configs:  configs,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("provider-manager"),
	}
}

func (m *Manager) chain(ctx context.Context, ch channel.Channel) ([]Config, error) {
	typ, ok := channel.ConfigTypeFor(ch)
	if !ok {
		return nil, fmt.Errorf("channel %s has no providers", ch)
	}
	configs, err := m.configs.ActiveConfigs(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("load %s configs: %w", typ, err)
	}
	out := configs[:0:0]
	for _, c := range configs {
		if c.Channel != nil && *c.Channel != ch {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Manager) Send(ctx context.Context, ch channel.Channel, msg Message) Report {
	report := Report{Channel: ch}
	msg.Channel = ch

	configs, err := m.chain(ctx, ch)
	if err != nil {
		report.LastError = err
		return report
	}
	if len(configs) == 0 {
		report.LastError = fmt.Errorf("%w for %s", ErrNoProviders, ch)
		return report
	}

	logger := common.WithContext(ctx, m.logger).With().
		Str("channel", string(ch)).
		Str("outbox_id", msg.ID).
		Logger()

	for _, c := range configs {
		start := time.Now()
		err := m.try(ctx, ch, c, msg)
		attempt := Attempt{Provider: c.Name, ConfigID: c.ID, Err: err, Duration: time.Since(start)}
		report.Attempts = append(report.Attempts, attempt)
		attemptLatency.WithLabelValues(string(ch), c.Name).Observe(attempt.Duration.Seconds())

		if err == nil {
			attemptCounter.WithLabelValues(string(ch), c.Name, "success").Inc()
			report.Success = true
			report.Provider = c.Name
			report.LastError = nil
			return report
		}
		attemptCounter.WithLabelValues(string(ch), c.Name, "failure").Inc()
		logger.Warn().Err(err).Str("provider", c.Name).Int("priority", c.Priority).Msg("provider send failed, trying next")
		report.LastError = err

		if ctx.Err() != nil {
			break
		}
	}

	logger.Error().Err(report.LastError).Strs("providers", report.AttemptedProviders()).Msg("all providers failed")
	return report
}

func (m *Manager) try(ctx context.Context, ch channel.Channel, c Config, msg Message) error {
	ctx, span := m.tracer.Start(ctx, "provider.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.name", c.Name),
		attribute.String("channel", string(ch)),
	)

	p, err := m.registry.Resolve(c.Name, c.Settings, ch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !p.Available() {
		err := fmt.Errorf("%w: %s", ErrUnavailable, c.Name)
		span.RecordError(err)
		return err
	}
	if err := m.deliverWithProvider(ctx, p, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (m *Manager) deliverWithProvider(ctx context.Context, p Provider, msg Message) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if m.cfg.RetryBudget > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 100 * time.Millisecond
		eb.MaxElapsedTime = m.cfg.RetryBudget
		b = eb
	}
	return backoff.Retry(func() error {
		return m.sendOnce(ctx, p, msg)
	}, backoff.WithContext(b, ctx))
}

type outcome struct {
	res Result
	err error
}

// sendOnce enforces the timeout even against providers that ignore ctx.
func (m *Manager) sendOnce(ctx context.Context, p Provider, msg Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrPanicked, p.Name(), r))}
			}
		}()
		res, err := p.Send(attemptCtx, msg)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return o.err
		}
		if !o.res.Success {
			return backoff.Permanent(&RejectedError{Provider: p.Name(), Reason: o.res.Message})
		}
		return nil
	case <-attemptCtx.Done():
		return fmt.Errorf("provider %s: %w", p.Name(), attemptCtx.Err())
	}
}

// ProviderHealth is one entry of a channel's chain with its health.
type ProviderHealth struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Available bool   `json:"available"`
	Health    Health `json:"health"`
}

func (m *Manager) Health(ctx context.Context, ch channel.Channel) ([]ProviderHealth, error) {
	configs, err := m.chain(ctx, ch)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderHealth, 0, len(configs))
	for _, c := range configs {
		entry := ProviderHealth{Name: c.Name, Priority: c.Priority}
		p, err := m.registry.Resolve(c.Name, c.Settings, ch)
		if err != nil {
			entry.Health = Health{Status: Down, Message: err.Error()}
			out = append(out, entry)
			continue
		}
		entry.Available = p.Available()
		entry.Health = p.Health(ctx)
		out = append(out, entry)
	}
	return out, nil
}
