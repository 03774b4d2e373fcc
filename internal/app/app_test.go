package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
	"github.com/example/notification-outbox/internal/lock"
	"github.com/example/notification-outbox/internal/outbox"
	"github.com/example/notification-outbox/internal/provider"
	"github.com/example/notification-outbox/internal/store"
)

func testConfig(t *testing.T) *common.Config {
	return &common.Config{
		ServiceName: "test",
		DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "app.db"),
		Outbox: common.OutboxConfig{
			BatchLimit:        10,
			Concurrency:       1,
			MaxAttempts:       3,
			Backoff:           []time.Duration{time.Minute},
			VisibilityTimeout: 15 * time.Minute,
			LockName:          "process-outbox",
		},
		Provider: common.ProviderConfig{Timeout: time.Second},
		Sender:   common.SenderDefaults{MailFromAddress: "noreply@platform.io", SMSFrom: "+15550000"},
	}
}

func TestNewWiresSQLiteApp(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Store.Migrate(ctx))

	assert.IsType(t, &lock.Lease{}, a.Processor.Locker)
	assert.Equal(t, 3, a.Processor.Config.Retry.MaxAttempts)

	id, err := a.Identities.Resolve(ctx, channel.Mail, identity.Context{Subject: entity.Ref{Type: "user", ID: "1"}})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "noreply@platform.io", *id.FromEmail)
	assert.Nil(t, id.FromName)
}

func TestSeparateAppsShareRunLock(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	first, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	require.NoError(t, first.Store.Migrate(ctx))

	second, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	release, err := first.Processor.Locker.TryLock(ctx, cfg.Outbox.LockName)
	require.NoError(t, err)

	_, err = second.Processor.RunOnce(ctx, 10)
	assert.ErrorIs(t, err, outbox.ErrLocked)

	release()
	_, err = second.Processor.RunOnce(ctx, 10)
	assert.NoError(t, err)
}

func TestPublishInTxAndProcess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.EntityTables = "user:users"
	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Store.Migrate(ctx))

	_, err = a.Store.DB().ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, phone TEXT)`)
	require.NoError(t, err)
	sms := channel.SMS
	_, err = a.Store.CreateConfig(ctx, provider.Config{Type: channel.SMSProvider, Name: "log", Channel: &sms, IsActive: true})
	require.NoError(t, err)

	err = a.PublishInTx(ctx, func(tx *store.SQLStore, pub *outbox.Publisher) error {
		_, _, err := pub.Publish(ctx, outbox.PublishRequest{
			EventType:  "withdrawal_approved",
			Notifiable: entity.Ref{Type: "user", ID: "7"},
			Channels:   []channel.Channel{channel.Database, channel.SMS},
		})
		return err
	})
	require.NoError(t, err)

	_, err = a.Store.DB().ExecContext(ctx, `INSERT INTO users (id, phone) VALUES (7, '+15550101')`)
	require.NoError(t, err)

	res, err := a.Processor.RunOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, res.Errors)

	health, err := a.Providers.Health(ctx, channel.SMS)
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, provider.Healthy, health[0].Health.Status)
}

func TestNewRejectsBadEntityTables(t *testing.T) {
	cfg := testConfig(t)
	cfg.EntityTables = "user"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
