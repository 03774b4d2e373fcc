// Package app wires the outbox, provider chain and notification store from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/notification-outbox/internal/api"
	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
	"github.com/example/notification-outbox/internal/lock"
	"github.com/example/notification-outbox/internal/notification"
	"github.com/example/notification-outbox/internal/outbox"
	"github.com/example/notification-outbox/internal/provider"
	"github.com/example/notification-outbox/internal/store"
)

type App struct {
	Config     *common.Config
	Logger     zerolog.Logger
	Store      *store.SQLStore
	Providers  *provider.Manager
	Entities   *entity.Registry
	Identities *identity.Resolver
	Records    *notification.Service
	Publisher  *outbox.Publisher
	Processor  *outbox.Processor

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// New opens the database and builds every component. Migrations are not
// applied; call Store.Migrate or run "process-outbox migrate".
func New(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*App, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: db, writers: map[string]*kafka.Writer{}}

	deps := provider.Deps{
		Logger:     logger.With().Str("component", "provider").Logger(),
		HTTPClient: &http.Client{Timeout: cfg.Provider.Timeout},
	}
	if len(cfg.KafkaBrokers) > 0 {
		deps.KafkaWriter = a.kafkaWriter
	}
	a.Providers = provider.NewManager(db, provider.NewDefaultRegistry(deps), provider.ManagerConfig{
		Timeout:     cfg.Provider.Timeout,
		RetryBudget: cfg.Provider.RetryBudget,
	}, logger)

	a.Entities = entity.NewRegistry()
	if cfg.EntityTables != "" {
		tables, err := store.ParseEntityTables(cfg.EntityTables)
		if err != nil {
			db.Close()
			return nil, err
		}
		for alias, table := range tables {
			lookup, err := db.TableLookup(alias, table)
			if err != nil {
				db.Close()
				return nil, err
			}
			a.Entities.Register(alias, lookup)
		}
	}

	a.Identities = identity.NewResolver(senderDefaults(cfg.Sender), identity.StoreSource{Lookup: db})
	a.Records = notification.NewService(db)
	a.Publisher = outbox.NewPublisher(db, logger)

	var locker lock.Locker = lock.NewLease(db, cfg.Outbox.VisibilityTimeout)
	if pool := db.Pool(); pool != nil {
		locker = lock.NewPostgres(pool)
	}
	a.Processor = &outbox.Processor{
		Store:      db,
		Records:    a.Records,
		Sender:     a.Providers,
		Entities:   a.Entities,
		Identities: a.Identities,
		Locker:     locker,
		Config: outbox.ProcessorConfig{
			Concurrency:       cfg.Outbox.Concurrency,
			VisibilityTimeout: cfg.Outbox.VisibilityTimeout,
			Retry:             outbox.RetryPolicy{MaxAttempts: cfg.Outbox.MaxAttempts, Schedule: cfg.Outbox.Backoff},
			LockName:          cfg.Outbox.LockName,
		},
		Logger: logger.With().Str("component", "processor").Logger(),
	}
	return a, nil
}

// PublishInTx runs fn in a transaction with a publisher bound to it, so
// outbox rows commit together with the caller's writes.
func (a *App) PublishInTx(ctx context.Context, fn func(tx *store.SQLStore, pub *outbox.Publisher) error) error {
	return a.Store.InTx(ctx, func(tx *store.SQLStore) error {
		return fn(tx, outbox.NewPublisher(tx, a.Logger))
	})
}

func (a *App) HTTPHandler() http.Handler {
	return api.NewHandler(a.Publisher, a.Records, a.Providers, a.Logger).Router()
}

func (a *App) kafkaWriter(topic string) provider.MessageWriter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(a.Config.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	a.writers[topic] = w
	return w
}

func (a *App) Close() error {
	a.mu.Lock()
	var errs []error
	for topic, w := range a.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer %s: %w", topic, err))
		}
	}
	a.writers = map[string]*kafka.Writer{}
	a.mu.Unlock()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func senderDefaults(s common.SenderDefaults) identity.DefaultSource {
	out := identity.DefaultSource{}
	mail := identity.Identity{
		FromEmail:    optional(s.MailFromAddress),
		FromName:     optional(s.MailFromName),
		ReplyToEmail: optional(s.MailReplyTo),
	}
	if !mail.IsEmpty() {
		out[channel.Mail] = mail
	}
	if s.SMSFrom != "" {
		out[channel.SMS] = identity.Identity{FromPhone: identity.String(s.SMSFrom)}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return identity.String(s)
}
