package account_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"cipherrelay/internal/account"
	"cipherrelay/internal/auth"
	"cipherrelay/internal/domain"
	"cipherrelay/internal/groupkey"
	"cipherrelay/internal/msgjson"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/session"
	"cipherrelay/internal/session/sessiontest"
	"cipherrelay/internal/store"
	"cipherrelay/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *account.Service
	st    *store.Store
	arb   *groupkey.Arbiter
	queue *offline.MemoryQueue
	reg   *session.Registry
	now   time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:    storetest.Open(t),
		queue: offline.NewMemoryQueue(),
		reg:   session.NewRegistry(nil),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.arb = groupkey.New(f.st, 20, groupkey.WithClock(clock))
	f.svc = account.New(f.st, f.arb, f.queue, f.reg, account.Config{InactiveAfter: 48 * time.Hour, Now: clock})
	return f
}

var testKey string

func publicKey(t *testing.T) string {
	t.Helper()
	if testKey == "" {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, pub, err := auth.EncodeKeyPair(priv)
		require.NoError(t, err)
		testKey = string(pub)
	}
	return testKey
}

func TestRegister(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.svc.NicknameAvailable(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	id, err := f.svc.Register(ctx, "alice", publicKey(t))
	require.NoError(t, err)
	require.Equal(t, "alice", id.Nickname)

	ok, err = f.svc.NicknameAvailable(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.Register(ctx, "alice", publicKey(t))
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.svc.Register(ctx, "bob", "not a key")
	require.ErrorIs(t, err, domain.ErrInvalidPublicKey)
	_, err = f.svc.Register(ctx, "two words", publicKey(t))
	require.ErrorIs(t, err, domain.ErrMalformedPayload)

	got, err := f.svc.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, publicKey(t), got.PublicKey)
	_, err = f.svc.Lookup(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestDeleteCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "alice", publicKey(t))
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "bob", publicKey(t))
	require.NoError(t, err)

	g, err := f.arb.Create(ctx, "pair", "alice")
	require.NoError(t, err)
	_, err = f.arb.Join(ctx, g.ID, "bob")
	require.NoError(t, err)

	for _, m := range []struct{ from, to string }{{"alice", "bob"}, {"bob", "alice"}} {
		require.NoError(t, f.st.Messages().Append(ctx, &domain.Message{
			Sender: m.from, Recipient: m.to, Content: msgjson.JSON(`"x"`),
			Type: domain.ChatPrivate, CreatedAt: f.now, ReceivedAt: f.now,
		}))
	}
	require.NoError(t, f.queue.Append(ctx, "alice", domain.OfflineEvent{EventName: domain.EventMessage, Data: []byte(`{}`)}))
	tr := sessiontest.New()
	f.reg.Register("alice", tr)

	require.NoError(t, f.svc.Delete(ctx, "alice"))

	_, err = f.svc.Lookup(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	g, err = f.arb.Get(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, g.MemberNames())

	var senders []string
	require.NoError(t, f.st.DB.Model(&domain.Message{}).Pluck("sender", &senders).Error)
	require.Equal(t, []string{"bob"}, senders)
	require.Zero(t, f.queue.Len("alice"))
	require.True(t, tr.Closed())
	_, online := f.reg.Lookup("alice")
	require.False(t, online)

	require.ErrorIs(t, f.svc.Delete(ctx, "alice"), domain.ErrUserNotFound)
}

func TestPruneInactive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "idle", publicKey(t))
	require.NoError(t, err)

	f.now = f.now.Add(24 * time.Hour)
	_, err = f.svc.Register(ctx, "active", publicKey(t))
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	require.NoError(t, f.svc.Touch(ctx, "active"))
	require.ErrorIs(t, f.svc.Touch(ctx, "ghost"), domain.ErrUserNotFound)

	n, err := f.svc.PruneInactive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.svc.Lookup(ctx, "idle")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = f.svc.Lookup(ctx, "active")
	require.NoError(t, err)
}

func TestMessageRetention(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	past := f.now.Add(-time.Minute)

	expiring := &domain.Message{Sender: "a", Recipient: "b", Content: msgjson.JSON(`"x"`), Type: domain.ChatPrivate, CreatedAt: f.now, ReceivedAt: f.now, DeleteAt: &past}
	require.NoError(t, f.st.Messages().Append(ctx, expiring))
	kept := &domain.Message{Sender: "a", Recipient: "b", Content: msgjson.JSON(`"y"`), Type: domain.ChatPrivate, CreatedAt: f.now, ReceivedAt: f.now}
	require.NoError(t, f.st.Messages().Append(ctx, kept))

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.ErrorIs(t, f.svc.DeleteMessage(ctx, "b", kept.ID), domain.ErrMessageNotFound)
	require.NoError(t, f.svc.DeleteMessage(ctx, "a", kept.ID))
	require.ErrorIs(t, f.svc.DeleteMessage(ctx, "a", uuid.New()), domain.ErrMessageNotFound)
}
