package delivery_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cipherrelay/internal/delivery"
	"cipherrelay/internal/domain"
	"cipherrelay/internal/msgjson"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/session/sessiontest"

	"github.com/stretchr/testify/require"
)

// stuckTransport blocks every write until release is closed or the write
// deadline passes, then fails it.
type stuckTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStuckTransport() *stuckTransport {
	return &stuckTransport{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *stuckTransport) Send(ctx context.Context, _ domain.Event) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return sessiontest.ErrFailed
}

func (s *stuckTransport) Close() error { return nil }

type brokenLedger struct{}

func (brokenLedger) Append(context.Context, *domain.Message) error {
	return errors.New("database is down")
}

// brokenQueue accepts drains but refuses appends.
type brokenQueue struct {
	*offline.MemoryQueue
}

func (brokenQueue) Append(context.Context, string, domain.OfflineEvent) error {
	return offline.ErrUnavailable
}

// lateQueue appends one more event right after the first drain pops the
// queue, as a concurrent sender would.
type lateQueue struct {
	*offline.MemoryQueue
	late domain.OfflineEvent
	once sync.Once
}

func (q *lateQueue) Drain(ctx context.Context, key string) ([]domain.OfflineEvent, error) {
	evs, err := q.MemoryQueue.Drain(ctx, key)
	q.once.Do(func() { _ = q.MemoryQueue.Append(ctx, key, q.late) })
	return evs, err
}

// vanishingIdentities reports the recipient once, then never again.
type vanishingIdentities struct {
	calls atomic.Int32
}

func (v *vanishingIdentities) Exists(context.Context, string) (bool, error) {
	return v.calls.Add(1) == 1, nil
}

func isClosed(ch <-chan struct{}) func() bool {
	return func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
}

func contents(t *testing.T, evs []domain.Event) []string {
	t.Helper()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, contentOf(t, ev))
	}
	return out
}

func TestReplacementWaitsForPreviousDrain(t *testing.T) {
	h := newHarness(t, true, "alice", "bob", "carol")
	ctx := context.Background()
	for _, c := range []string{"m1", "m2"} {
		_, err := h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", c))
		require.NoError(t, err)
	}

	stuck := newStuckTransport()
	first := h.reg.Register("bob", stuck)
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		h.drainer.Drain(ctx, first)
	}()
	select {
	case <-stuck.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never wrote")
	}

	next := sessiontest.New()
	second := h.reg.Register("bob", next)
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		h.drainer.Drain(ctx, second)
	}()
	require.Never(t, isClosed(secondDone), 100*time.Millisecond, 10*time.Millisecond)

	close(stuck.release)
	require.Eventually(t, isClosed(firstDone), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, isClosed(secondDone), 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"m1", "m2"}, contents(t, next.Named(domain.EventMessage)))
	require.Zero(t, h.queue.Len("bob"))

	out, err := h.router.Handle(ctx, "carol", inbound(domain.ChatPrivate, "bob", "m3"))
	require.NoError(t, err)
	require.Equal(t, delivery.OutcomeDelivered, out.Kind)
	require.Equal(t, []string{"m1", "m2", "m3"}, contents(t, next.Named(domain.EventMessage)))
}

func TestLiveSendFailureFallsBackToQueue(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	alice := h.connect(t, "alice")

	broken := sessiontest.New()
	broken.FailAfter = 0
	h.drainer.Drain(ctx, h.reg.Register("bob", broken))

	out, err := h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.NoError(t, err)
	require.Equal(t, delivery.OutcomeQueuedOffline, out.Kind)
	require.Equal(t, 1, h.queue.Len("bob"))
	require.EqualValues(t, 1, h.ledgerCount(t))

	responds := sessiontest.Decode[domain.RespondPayload](alice, domain.EventRespond)
	require.Len(t, responds, 1)
	require.Equal(t, domain.RespondMissedOffline, responds[0].Code)
}

func TestLiveSendTimeoutFallsBackToQueue(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	router := delivery.NewRouter(h.st.Messages(), h.st.Identities(), h.st.Groups(), h.reg, h.queue,
		delivery.Options{SendTimeout: 20 * time.Millisecond})

	// nothing is queued, so the drain never writes to the hung transport
	h.drainer.Drain(ctx, h.reg.Register("bob", newStuckTransport()))

	start := time.Now()
	out, err := router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.NoError(t, err)
	require.Equal(t, delivery.OutcomeQueuedOffline, out.Kind)
	require.Equal(t, 1, h.queue.Len("bob"))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLedgerFailureRejectsWithStoreUnavailable(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	alice := h.connect(t, "alice")
	router := delivery.NewRouter(brokenLedger{}, h.st.Identities(), h.st.Groups(), h.reg, h.queue, delivery.Options{})

	_, err := router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Zero(t, h.queue.Len("bob"))

	errs := sessiontest.Decode[domain.ErrorPayload](alice, domain.EventError)
	require.Len(t, errs, 1)
	require.Equal(t, domain.CodeStoreUnavailable, errs[0].Code)
	require.Empty(t, alice.Named(domain.EventRespond))

	// the session survives and keeps working
	s, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	require.False(t, s.Closed())
	_, err = h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m2"))
	require.NoError(t, err)
	require.Len(t, alice.Named(domain.EventRespond), 1)
}

func TestQueueFailureAfterPersistRejectsWithStoreUnavailable(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	alice := h.connect(t, "alice")
	router := delivery.NewRouter(h.st.Messages(), h.st.Identities(), h.st.Groups(), h.reg,
		brokenQueue{h.queue}, delivery.Options{})

	_, err := router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.EqualValues(t, 1, h.ledgerCount(t))

	errs := sessiontest.Decode[domain.ErrorPayload](alice, domain.EventError)
	require.Len(t, errs, 1)
	require.Equal(t, domain.CodeStoreUnavailable, errs[0].Code)
	require.Empty(t, alice.Named(domain.EventRespond))

	s, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	require.False(t, s.Closed())
}

func TestAppendDuringDrainIsReplayed(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	_, err := h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.NoError(t, err)

	late, err := domain.NewEvent(domain.EventMessage, domain.MessagePayload{
		Type: domain.ChatPrivate, Sender: "carol", Recipient: "bob", Content: msgjson.JSON(`"late"`),
	})
	require.NoError(t, err)
	q := &lateQueue{MemoryQueue: h.queue, late: domain.OfflineEvent{EventName: late.Name, Data: late.Data}}
	drainer := delivery.NewDrainer(h.reg, q, delivery.Options{})

	bob := sessiontest.New()
	stats := drainer.Drain(ctx, h.reg.Register("bob", bob))
	require.Equal(t, 2, stats.Replayed)
	require.Equal(t, []string{"m1", "late"}, contents(t, bob.Named(domain.EventMessage)))
	require.Zero(t, h.queue.Len("bob"))
}

func TestHeldMessageIsAcknowledgedOnce(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m1"))
	require.NoError(t, err)

	broken := sessiontest.New()
	broken.FailAfter = 0
	s := h.reg.Register("bob", broken)
	held, err := h.router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "bob", "m2"))
	require.NoError(t, err)
	require.Equal(t, delivery.OutcomeDelivered, held.Kind)

	stats := h.drainer.Drain(ctx, s)
	require.Equal(t, 2, stats.Requeued)
	h.reg.Unregister(s)

	bob := h.connect(t, "bob")
	require.Equal(t, []string{"m1", "m2"}, contents(t, bob.Named(domain.EventMessage)))

	delivered := map[string]int{}
	for _, r := range sessiontest.Decode[domain.RespondPayload](alice, domain.EventRespond) {
		if r.Code == domain.RespondDelivered {
			delivered[r.Info.ID]++
		}
	}
	require.Equal(t, 1, delivered[held.MessageID.String()])
	require.Len(t, delivered, 2)
}

func TestRecipientDeletedWhileQueueingLeavesNoQueue(t *testing.T) {
	h := newHarness(t, true, "alice")
	ctx := context.Background()
	alice := h.connect(t, "alice")
	router := delivery.NewRouter(h.st.Messages(), &vanishingIdentities{}, h.st.Groups(), h.reg, h.queue, delivery.Options{})

	out, err := router.Handle(ctx, "alice", inbound(domain.ChatPrivate, "ghost", "m1"))
	require.NoError(t, err)
	require.Equal(t, delivery.OutcomeRecipientDeleted, out.Kind)
	require.Zero(t, h.queue.Len("ghost"))

	responds := sessiontest.Decode[domain.RespondPayload](alice, domain.EventRespond)
	require.Len(t, responds, 1)
	require.Equal(t, domain.RespondRecipientDeleted, responds[0].Code)
}
