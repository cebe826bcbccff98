package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/msgjson"
	"cipherrelay/internal/store"
	"cipherrelay/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIdentityLifecycle(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now()

	id := &domain.Identity{Nickname: "alice", PublicKey: "pem", LastActiveAt: now}
	require.NoError(t, st.Identities().Create(ctx, id))
	require.NotEqual(t, uuid.Nil, id.ID)

	err := st.Identities().Create(ctx, &domain.Identity{Nickname: "alice", PublicKey: "other", LastActiveAt: now})
	require.ErrorIs(t, err, store.ErrDuplicate)

	got, err := st.Identities().FindByNickname(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "pem", got.PublicKey)

	_, err = st.Identities().FindByNickname(ctx, "bob")
	require.ErrorIs(t, err, store.ErrRecordNotFound)

	ok, err := st.Identities().Exists(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, st.Identities().Touch(ctx, "bob", now), store.ErrRecordNotFound)
	require.NoError(t, st.Identities().Delete(ctx, "alice"))
	require.ErrorIs(t, st.Identities().Delete(ctx, "alice"), store.ErrRecordNotFound)
}

func TestInactiveSince(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.Identities().Create(ctx, &domain.Identity{Nickname: "old", PublicKey: "k", LastActiveAt: now.Add(-72 * time.Hour)}))
	require.NoError(t, st.Identities().Create(ctx, &domain.Identity{Nickname: "fresh", PublicKey: "k", LastActiveAt: now}))

	names, err := st.Identities().InactiveSince(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, names)

	require.NoError(t, st.Identities().Touch(ctx, "old", now))
	names, err = st.Identities().InactiveSince(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Empty(t, names)
}

func newGroup(t *testing.T, st *store.Store, members ...string) *domain.Group {
	t.Helper()
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	g := &domain.Group{Name: "g-" + uuid.NewString()[:8], KeyUpdatedAt: start, MaxMembers: 20}
	require.NoError(t, st.Groups().Create(ctx, g))
	for i, m := range members {
		require.NoError(t, st.Groups().AddMember(ctx, g.ID, m, start.Add(time.Duration(i)*time.Second)))
	}
	return g
}

func TestGroupMembersInJoinOrder(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	g := newGroup(t, st, "carol", "alice", "bob")

	got, err := st.Groups().FindByID(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"carol", "alice", "bob"}, got.MemberNames())
	require.False(t, got.HasKey())

	locked, err := st.Groups().FindForUpdate(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, got.MemberNames(), locked.MemberNames())

	require.ErrorIs(t, st.Groups().AddMember(ctx, g.ID, "alice", time.Now()), store.ErrDuplicate)
	require.NoError(t, st.Groups().RemoveMember(ctx, g.ID, "alice"))
	require.ErrorIs(t, st.Groups().RemoveMember(ctx, g.ID, "alice"), store.ErrRecordNotFound)

	ids, err := st.Groups().MembershipsOf(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{g.ID}, ids)

	_, err = st.Groups().FindByID(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestCommitKeyIsOptimistic(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	g := newGroup(t, st, "a", "b")

	loaded, err := st.Groups().FindByID(ctx, g.ID)
	require.NoError(t, err)
	expected := loaded.KeyUpdatedAt

	// a join or leave between read and commit moves keyUpdatedAt
	require.NoError(t, st.Groups().ResetKey(ctx, g.ID, time.Now()))
	err = st.Groups().CommitKey(ctx, g.ID, "K1", expected, time.Now())
	require.ErrorIs(t, err, store.ErrStale)

	loaded, err = st.Groups().FindByID(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, st.Groups().CommitKey(ctx, g.ID, "K1", loaded.KeyUpdatedAt, time.Now()))

	loaded, err = st.Groups().FindByID(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, loaded.HasKey())
	require.Equal(t, "K1", *loaded.Key)
}

func TestGroupDelete(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	g := newGroup(t, st, "a")

	require.NoError(t, st.Groups().Delete(ctx, g.ID))
	_, err := st.Groups().FindByID(ctx, g.ID)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
	ids, err := st.Groups().MembershipsOf(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func appendMsg(t *testing.T, st *store.Store, sender, recipient string, typ domain.ChatType, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{
		Sender:     sender,
		Recipient:  recipient,
		Content:    msgjson.JSON(`{"cipherText":"x"}`),
		Type:       typ,
		CreatedAt:  at,
		ReceivedAt: at,
	}
	require.NoError(t, st.Messages().Append(context.Background(), m))
	return m
}

func TestKeyAckSenders(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	g := uuid.NewString()
	since := time.Now().Add(-time.Minute)

	appendMsg(t, st, "a", g, domain.ChatKey, since.Add(-time.Second))
	appendMsg(t, st, "b", g, domain.ChatKey, since.Add(time.Second))
	appendMsg(t, st, "b", g, domain.ChatKey, since.Add(2*time.Second))
	appendMsg(t, st, "c", g, domain.ChatGroup, since.Add(time.Second))
	appendMsg(t, st, "d", "someone", domain.ChatKey, since.Add(time.Second))

	senders, err := st.Messages().KeyAckSenders(ctx, g, since)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, senders)
}

func TestMessageDeletion(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now()

	m := appendMsg(t, st, "alice", "bob", domain.ChatPrivate, now)
	require.ErrorIs(t, st.Messages().Delete(ctx, m.ID, "mallory"), store.ErrRecordNotFound)
	require.NoError(t, st.Messages().Delete(ctx, m.ID, "alice"))

	appendMsg(t, st, "alice", "bob", domain.ChatPrivate, now)
	appendMsg(t, st, "alice", "carol", domain.ChatPrivate, now)
	n, err := st.Messages().DeleteAllBySender(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	expiring := &domain.Message{Sender: "x", Recipient: "y", Content: msgjson.JSON(`"c"`), Type: domain.ChatPrivate, CreatedAt: now, ReceivedAt: now, DeleteAt: &past}
	require.NoError(t, st.Messages().Append(ctx, expiring))
	keep := &domain.Message{Sender: "x", Recipient: "y", Content: msgjson.JSON(`"c"`), Type: domain.ChatPrivate, CreatedAt: now, ReceivedAt: now, DeleteAt: &future}
	require.NoError(t, st.Messages().Append(ctx, keep))

	n, err = st.Messages().DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	left, err := st.Messages().Query(ctx, store.MessageQuery{Recipient: "y"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, keep.ID, left[0].ID)
}

func TestWithTxRollsBack(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Identities().Create(ctx, &domain.Identity{Nickname: "ghost", PublicKey: "k", LastActiveAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	ok, err := st.Identities().Exists(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}
