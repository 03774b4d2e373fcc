package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
	"github.com/example/notification-outbox/internal/notification"
	"github.com/example/notification-outbox/internal/outbox"
	"github.com/example/notification-outbox/internal/provider"
	"github.com/example/notification-outbox/internal/store"
	"github.com/example/notification-outbox/internal/store/storetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(id string, created time.Time) outbox.Entry {
	return outbox.Entry{
		ID:         id,
		EventType:  "funding_completed",
		Notifiable: entity.Ref{Type: "user", ID: "42"},
		Channels:   []channel.Channel{channel.Database, channel.Mail},
		Payload:    map[string]any{"to_database": map[string]any{"title": "Funding complete"}},
		Status:     outbox.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestInsertEntryRoundTrip(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()

	e := newEntry("0190a000-0000-7000-8000-000000000001", t0)
	e.Entity = &entity.Ref{Type: "funding", ID: "9"}
	_, dup, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)
	assert.False(t, dup)

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Channels, got.Channels)
	assert.Equal(t, "Funding complete", got.ChannelData(channel.Database)["title"])
	assert.Equal(t, &entity.Ref{Type: "funding", ID: "9"}, got.Entity)
	assert.Nil(t, got.AvailableAt)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestInsertEntryDedupe(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	key := "withdrawal-7-approved"

	first := newEntry("0190a000-0000-7000-8000-000000000001", t0)
	first.DedupeKey = &key
	_, dup, err := s.InsertEntry(ctx, first)
	require.NoError(t, err)
	require.False(t, dup)

	second := newEntry("0190a000-0000-7000-8000-000000000002", t0.Add(time.Second))
	second.DedupeKey = &key
	existing, dup, err := s.InsertEntry(ctx, second)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, existing.ID)

	due, err := s.DueEntries(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDueEntriesFIFOAndAvailability(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()

	later := t0.Add(10 * time.Minute)
	rows := []outbox.Entry{
		newEntry("c", t0.Add(3*time.Second)),
		newEntry("a", t0.Add(1*time.Second)),
		newEntry("b", t0.Add(2*time.Second)),
		newEntry("d", t0),
	}
	rows[3].AvailableAt = &later
	for _, e := range rows {
		_, _, err := s.InsertEntry(ctx, e)
		require.NoError(t, err)
	}

	due, err := s.DueEntries(ctx, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)

	due, err = s.DueEntries(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, due, 4)
	assert.Equal(t, "d", due[0].ID)
}

func TestClaimEntryAtMostOnce(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	e := newEntry("0190a000-0000-7000-8000-000000000001", t0)
	_, _, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimEntry(ctx, e.ID, t0.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestClaimEntryRespectsAvailableAt(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	later := t0.Add(time.Hour)
	e := newEntry("x", t0)
	e.AvailableAt = &later
	_, _, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)

	_, ok, err := s.ClaimEntry(ctx, e.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishTransitions(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	e := newEntry("x", t0)
	_, _, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)

	err = s.MarkSent(ctx, e.ID, nil, t0)
	assert.ErrorIs(t, err, outbox.ErrLostClaim, "pending rows cannot be finished")

	_, ok, err := s.ClaimEntry(ctx, e.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)

	next := t0.Add(5 * time.Minute)
	require.NoError(t, s.Reschedule(ctx, e.ID, next, []channel.Channel{channel.Database}, "mail down", t0))
	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, "mail down", got.LastError)
	assert.Equal(t, []channel.Channel{channel.Database}, got.Delivered)
	require.NotNil(t, got.AvailableAt)
	assert.True(t, got.AvailableAt.Equal(next))

	_, ok, err = s.ClaimEntry(ctx, e.ID, next)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkFailed(ctx, e.ID, got.Delivered, "mail down again", next))
	got, err = s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestRequeueStale(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"fresh", "stale", "exhausted"} {
		_, _, err := s.InsertEntry(ctx, newEntry(id, t0))
		require.NoError(t, err)
	}
	_, _, err := s.ClaimEntry(ctx, "stale", t0)
	require.NoError(t, err)
	_, _, err = s.ClaimEntry(ctx, "exhausted", t0)
	require.NoError(t, err)
	_, _, err = s.ClaimEntry(ctx, "fresh", t0.Add(20*time.Minute))
	require.NoError(t, err)

	// "exhausted" has used its only attempt.
	_, err = s.DB().ExecContext(ctx, `UPDATE notification_outbox SET attempts = 3 WHERE id = 'exhausted'`)
	require.NoError(t, err)

	now := t0.Add(25 * time.Minute)
	requeued, failed, err := s.RequeueStale(ctx, now.Add(-15*time.Minute), 3, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, requeued)
	assert.EqualValues(t, 1, failed)

	stale, _ := s.GetEntry(ctx, "stale")
	assert.Equal(t, outbox.StatusPending, stale.Status)
	fresh, _ := s.GetEntry(ctx, "fresh")
	assert.Equal(t, outbox.StatusProcessing, fresh.Status)
	exhausted, _ := s.GetEntry(ctx, "exhausted")
	assert.Equal(t, outbox.StatusFailed, exhausted.Status)
}

func TestInTxRollsBack(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	boom := errors.New("business write failed")

	err := s.InTx(ctx, func(tx *store.SQLStore) error {
		if _, _, err := tx.InsertEntry(ctx, newEntry("rolled-back", t0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetEntry(ctx, "rolled-back")
	assert.ErrorIs(t, err, outbox.ErrEntryNotFound)

	err = s.InTx(ctx, func(tx *store.SQLStore) error {
		_, _, err := tx.InsertEntry(ctx, newEntry("committed", t0))
		return err
	})
	require.NoError(t, err)
	_, err = s.GetEntry(ctx, "committed")
	assert.NoError(t, err)
}

func TestNotificationReadToggles(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	owner := entity.Ref{Type: "user", ID: "42"}

	inserted, err := s.InsertRecord(ctx, notification.Record{
		ID: "r1", Type: "funding_completed", Notifiable: owner,
		Data: map[string]any{"title": "Funding complete"}, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.InsertRecord(ctx, notification.Record{ID: "r1", Type: "x", Notifiable: owner, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.SetRead(ctx, "r1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.SetRead(ctx, "r1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	rec, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.ReadAt)
	assert.True(t, rec.ReadAt.Equal(t0.Add(time.Minute)))

	n, err = s.SetUnread(ctx, "r1", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	count, err := s.CountUnread(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.GetRecord(ctx, "nope")
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestUpdateDeliveryAndList(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	owner := entity.Ref{Type: "user", ID: "42"}

	for i, id := range []string{"r1", "r2", "r3"} {
		_, err := s.InsertRecord(ctx, notification.Record{
			ID: id, Type: "t", Notifiable: owner, CreatedAt: t0.Add(time.Duration(i) * time.Second), UpdatedAt: t0,
		})
		require.NoError(t, err)
	}
	sent := t0.Add(time.Minute)
	require.NoError(t, s.UpdateDelivery(ctx, "r2", notification.Delivery{
		ChannelsSent:   []channel.Channel{channel.Database},
		FailedChannels: []channel.Channel{channel.Mail},
		Metadata:       map[string]any{"errors": map[string]any{"mail": "all providers failed"}},
		SentAt:         &sent,
	}, sent))

	rec, err := s.GetRecord(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, []channel.Channel{channel.Mail}, rec.FailedChannels)
	assert.Equal(t, "all providers failed", rec.Metadata["errors"].(map[string]any)["mail"])

	n, err := s.SetAllRead(ctx, owner, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	list, err := s.ListRecords(ctx, owner, notification.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].ID, "newest first")

	unread, err := s.ListRecords(ctx, owner, notification.ListOptions{UnreadOnly: true, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestActiveConfigsOrder(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	mail := channel.Mail

	create := func(name string, priority int, active bool) provider.Config {
		c, err := s.CreateConfig(ctx, provider.Config{
			Type: channel.EmailProvider, Name: name, Channel: &mail, Priority: priority, IsActive: active,
			Settings: provider.Settings{"api_key": "k"},
		})
		require.NoError(t, err)
		return c
	}
	create("smtp", 2, true)
	create("sendgrid", 1, true)
	disabled := create("ses", 1, false)
	create("log", 2, true)
	_, err := s.CreateConfig(ctx, provider.Config{Type: channel.SMSProvider, Name: "twilio", Priority: 0, IsActive: true})
	require.NoError(t, err)

	configs, err := s.ActiveConfigs(ctx, channel.EmailProvider)
	require.NoError(t, err)
	var names []string
	for _, c := range configs {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"sendgrid", "smtp", "log"}, names)
	assert.Equal(t, "k", configs[0].Settings.String("api_key", ""))

	require.NoError(t, s.SetConfigActive(ctx, disabled.ID, true))
	configs, err = s.ActiveConfigs(ctx, channel.EmailProvider)
	require.NoError(t, err)
	assert.Equal(t, "ses", configs[1].Name)

	all, err := s.ListConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSenderIdentities(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	client := entity.Ref{Type: "client", ID: "9"}
	mail := channel.Mail

	require.NoError(t, s.UpsertIdentity(ctx, client, nil, identity.Identity{
		FromName: identity.String("Acme"), FromEmail: identity.String("hello@acme.com"),
	}))
	require.NoError(t, s.UpsertIdentity(ctx, client, &mail, identity.Identity{
		FromEmail: identity.String("billing@acme.com"),
	}))
	require.NoError(t, s.UpsertIdentity(ctx, client, &mail, identity.Identity{
		FromEmail: identity.String("payments@acme.com"),
	}))

	generic, specific, err := s.SenderIdentities(ctx, client, channel.Mail)
	require.NoError(t, err)
	require.NotNil(t, generic)
	require.NotNil(t, specific)
	assert.Equal(t, "Acme", *generic.FromName)
	assert.Equal(t, "payments@acme.com", *specific.FromEmail)

	generic, specific, err = s.SenderIdentities(ctx, client, channel.SMS)
	require.NoError(t, err)
	assert.NotNil(t, generic)
	assert.Nil(t, specific)

	id, err := identity.NewResolver(identity.StoreSource{Lookup: s}).Resolve(ctx, channel.Mail, identity.Context{Subject: client})
	require.NoError(t, err)
	assert.Equal(t, "Acme", *id.FromName)
	assert.Equal(t, "payments@acme.com", *id.FromEmail)
}

func TestTableLookup(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, client_type TEXT, client_id INTEGER)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `INSERT INTO users (id, email, client_type, client_id) VALUES (42, 'u@x.com', 'client', 9)`)
	require.NoError(t, err)

	lookup, err := s.TableLookup("user", "users")
	require.NoError(t, err)

	e, err := lookup(ctx, "42")
	require.NoError(t, err)
	rec := e.(entity.Record)
	assert.Equal(t, "u@x.com", rec.RouteFor(channel.Mail))
	assert.Equal(t, entity.Ref{Type: "client", ID: "9"}, rec.IdentityScope())

	_, err = lookup(ctx, "7")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = s.TableLookup("user", "users; DROP TABLE users")
	assert.Error(t, err)
}

func TestLeases(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "process-outbox", "a", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "process-outbox", "b", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must exclude another holder")

	ok, err = s.AcquireLease(ctx, "process-outbox", "a", now.Add(2*time.Minute), now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	require.NoError(t, s.ReleaseLease(ctx, "process-outbox", "b"))
	ok, err = s.AcquireLease(ctx, "process-outbox", "b", now.Add(3*time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "release by another holder is a no-op")

	ok, err = s.AcquireLease(ctx, "process-outbox", "b", now.Add(10*time.Minute), now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, s.ReleaseLease(ctx, "process-outbox", "b"))
	ok, err = s.AcquireLease(ctx, "process-outbox", "c", now.Add(11*time.Minute), now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseEntityTables(t *testing.T) {
	got, err := store.ParseEntityTables("user:users, client:clients")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "users", "client": "clients"}, got)

	_, err = store.ParseEntityTables("user")
	assert.Error(t, err)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql://localhost/db")
	assert.ErrorIs(t, err, store.ErrUnsupportedURL)
}
