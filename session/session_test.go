package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.IdleTimeout = 0
	opts.WriteTimeout = time.Second
	return opts
}

func newTestManager(t *testing.T, st store.Store, opts Options) *Manager {
	t.Helper()
	m := NewManager(st, nil, opts, quietLogger())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func seeded(t *testing.T, id, text string) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.Create(context.Background(), store.ContentVersion{ContentID: id, Text: text}))
	return st
}

func submit(t *testing.T, m *Manager, op ot.Operation) ot.Accepted {
	t.Helper()
	acc, err := m.Submit(context.Background(), op.WithContentID("doc1"))
	require.NoError(t, err)
	return acc
}

// barrier waits until the session has finished handling everything sent
// before it, including persistence and fan-out of earlier submits.
func barrier(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
}

// recorder is a Subscriber that records every notification.
type recorder struct {
	peer Peer
	mu   sync.Mutex
	got  []Notification
}

func (r *recorder) Peer() Peer { return r.peer }

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestSession_SubmitAdvancesVersion(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "hello"), testOptions())

	acc := submit(t, m, ot.NewInsert("u1", 5, " world", 0))
	assert.Equal(t, 1, acc.Version)
	assert.Equal(t, "doc1", acc.Operation.ContentID)
	assert.False(t, acc.AcceptedAt.IsZero())

	acc = submit(t, m, ot.NewCursor("u2", 3, 1))
	assert.Equal(t, 2, acc.Version)

	st, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", st.Text)
	assert.Equal(t, 2, st.Version)
	assert.Equal(t, ot.Cursor{Position: 3}, st.Cursors["u2"])
}

func TestSession_ConcurrentInsertsByAuthorOrder(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", ""), testOptions())

	submit(t, m, ot.NewInsert("3", 0, "EF", 0))
	submit(t, m, ot.NewInsert("1", 0, "AB", 0))
	submit(t, m, ot.NewInsert("2", 0, "CD", 0))

	st, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", st.Text)
	assert.Equal(t, 3, st.Version)
}

func TestSession_FutureVersionRejectedWithoutMutation(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "abc"), testOptions())
	submit(t, m, ot.NewInsert("u1", 0, "x", 0))

	_, err := m.Submit(context.Background(), ot.NewInsert("u2", 0, "y", 5).WithContentID("doc1"))
	require.ErrorIs(t, err, ErrFutureVersion)
	assert.Equal(t, ReasonFutureVersion, Reason(err))

	st, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "xabc", st.Text)
	assert.Equal(t, 1, st.Version)
}

func TestSession_Rejections(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "abc"), testOptions())
	ctx := context.Background()

	s, err := m.Open(ctx, "doc1")
	require.NoError(t, err)

	_, err = s.Submit(ctx, ot.NewInsert("u1", 0, "x", 0).WithContentID("other"))
	assert.Equal(t, ReasonContentMismatch, Reason(err))

	_, err = s.Submit(ctx, ot.Operation{Kind: "bogus", AuthorID: "u1"})
	assert.Equal(t, ReasonInvalidOperation, Reason(err))

	_, err = s.Submit(ctx, ot.NewInsert("", 0, "x", 0))
	assert.Equal(t, ReasonInvalidOperation, Reason(err))

	_, err = m.Submit(ctx, ot.NewInsert("u1", 0, "x", 0).WithContentID("missing"))
	assert.ErrorIs(t, err, ErrUnknownDocument)
	assert.Equal(t, ReasonUnknownDocument, Reason(err))

	_, err = m.Submit(ctx, ot.NewInsert("u1", 0, "x", 0))
	assert.ErrorIs(t, err, ErrInvalidOperation, "manager needs a content id")

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Version)
}

func TestSession_ClampedInsert(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "hello"), testOptions())

	acc := submit(t, m, ot.NewInsert("u1", 100, "!", 0))
	assert.True(t, acc.Clamped)

	acc = submit(t, m, ot.NewDelete("u1", -3, 1, 1))
	assert.True(t, acc.Clamped)

	st, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ello!", st.Text)
}

func TestSession_StaleClientTransformed(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "abcdef"), testOptions())

	submit(t, m, ot.NewDelete("u1", 1, 3, 0))       // "aef"
	acc := submit(t, m, ot.NewDelete("u2", 2, 3, 0)) // overlaps, base 0
	assert.Equal(t, 1, acc.Operation.Position)
	assert.Equal(t, 1, acc.Operation.Length)

	st, err := m.State(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "af", st.Text)
}

func TestSession_Operations(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", ""), testOptions())
	submit(t, m, ot.NewInsert("u1", 0, "a", 0))
	submit(t, m, ot.NewInsert("u1", 1, "b", 1))
	submit(t, m, ot.NewInsert("u1", 2, "c", 2))

	ops, err := m.Operations(context.Background(), "doc1", 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "b", ops[0].Text)

	_, err = m.Operations(context.Background(), "doc1", 9)
	assert.ErrorIs(t, err, ErrFutureVersion)
}

func TestSession_PersistsAndSnapshots(t *testing.T) {
	st := seeded(t, "doc1", "")
	opts := testOptions()
	opts.SnapshotEvery = 2
	m := newTestManager(t, st, opts)

	submit(t, m, ot.NewInsert("u1", 0, "a", 0))
	submit(t, m, ot.NewInsert("u1", 1, "b", 1))
	submit(t, m, ot.NewInsert("u1", 2, "c", 2))
	barrier(t, m)

	ctx := context.Background()
	ops, err := st.GetOperations(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	snap, err := st.LatestSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, "ab", snap.Text)
	assert.Equal(t, "u1", snap.CreatedBy)

	require.NoError(t, m.Close(ctx))
	snap, err = st.LatestSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Version, "close writes a final snapshot")
}

// flakyStore fails AppendOperation while failing is set.
type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.AppendOperation(ctx, id, op, version)
}

func TestSession_PersistRetriesAfterFailure(t *testing.T) {
	st := &flakyStore{MemoryStore: seeded(t, "doc1", "")}
	m := newTestManager(t, st, testOptions())
	ctx := context.Background()

	st.setFailing(true)
	submit(t, m, ot.NewInsert("u1", 0, "a", 0))
	barrier(t, m)
	ops, err := st.GetOperations(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Empty(t, ops)

	st.setFailing(false)
	submit(t, m, ot.NewInsert("u1", 1, "b", 1))
	barrier(t, m)
	ops, err = st.GetOperations(ctx, "doc1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].Text)
	assert.Equal(t, "b", ops[1].Text)
}

func TestSession_Subscribers(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", "hi"), testOptions())
	ctx := context.Background()

	alice := &recorder{peer: Peer{ID: "alice", Name: "Alice"}}
	bob := &recorder{peer: Peer{ID: "bob", Name: "Bob"}}

	st, err := m.Join(ctx, "doc1", alice)
	require.NoError(t, err)
	assert.Equal(t, "hi", st.Text)
	assert.Len(t, st.Peers, 1)

	st, err = m.Join(ctx, "doc1", bob)
	require.NoError(t, err)
	assert.Len(t, st.Peers, 2)
	barrier(t, m)

	got := alice.notifications()
	require.Len(t, got, 2)
	assert.Equal(t, NotifyState, got[0].Kind)
	assert.Equal(t, "hi", got[0].State.Text)
	assert.Equal(t, NotifyJoin, got[1].Kind)
	assert.Equal(t, "bob", got[1].Peer.ID)

	submit(t, m, ot.NewInsert("bob", 2, "!", 0))
	barrier(t, m)
	got = alice.notifications()
	require.Len(t, got, 3)
	assert.Equal(t, NotifyOperation, got[2].Kind)
	assert.Equal(t, 1, got[2].Accepted.Version)
	require.Len(t, bob.notifications(), 2, "the author is notified too")

	require.NoError(t, m.Leave(ctx, "doc1", "bob"))
	barrier(t, m)
	got = alice.notifications()
	require.Len(t, got, 4)
	assert.Equal(t, NotifyLeave, got[3].Kind)

	submit(t, m, ot.NewInsert("alice", 0, ">", 1))
	barrier(t, m)
	assert.Len(t, bob.notifications(), 2, "no notifications after leave")
}

func TestSession_IdleRetirementAndReload(t *testing.T) {
	st := seeded(t, "doc1", "")
	opts := testOptions()
	opts.IdleTimeout = 20 * time.Millisecond
	opts.SnapshotEvery = 0
	m := newTestManager(t, st, opts)
	ctx := context.Background()

	submit(t, m, ot.NewInsert("u1", 0, "ab", 0))
	assert.Equal(t, []string{"doc1"}, m.Active())

	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, 2*time.Second, 5*time.Millisecond)

	snap, err := st.LatestSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "ab", snap.Text)

	acc := submit(t, m, ot.NewInsert("u2", 0, "x", 0))
	assert.Equal(t, 2, acc.Version)
	assert.Equal(t, 2, acc.Operation.Position, "transformed against history reloaded from the store")

	state, err := m.State(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abx", state.Text)
}

func TestSession_SubscribersKeepSessionAlive(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 10 * time.Millisecond
	m := newTestManager(t, seeded(t, "doc1", ""), opts)

	_, err := m.Join(context.Background(), "doc1", &recorder{peer: Peer{ID: "p1"}})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"doc1"}, m.Active())
}

func TestSession_ConcurrentSubmitsConverge(t *testing.T) {
	m := newTestManager(t, seeded(t, "doc1", ""), testOptions())
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(author string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Every writer edits from a stale base on purpose.
				_, err := m.Submit(ctx, ot.NewInsert(author, 0, "x", 0).WithContentID("doc1"))
				assert.NoError(t, err)
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	st, err := m.State(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, st.Version)
	assert.Len(t, st.Text, writers*perWriter)
}

func TestManager_CloseRejectsCalls(t *testing.T) {
	m := NewManager(seeded(t, "doc1", ""), nil, testOptions(), quietLogger())
	ctx := context.Background()
	submit(t, m, ot.NewInsert("u1", 0, "a", 0))

	require.NoError(t, m.Close(ctx))
	_, err := m.Submit(ctx, ot.NewInsert("u1", 0, "b", 1).WithContentID("doc1"))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Empty(t, m.Active())
}

func TestManager_CreateAndLoadDocument(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(t, st, testOptions())
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "doc1", "seed", "u1"))
	assert.ErrorIs(t, m.Create(ctx, "doc1", "", "u1"), store.ErrAlreadyExists)
	assert.Error(t, m.Create(ctx, "", "", "u1"))

	submit(t, m, ot.NewInsert("u1", 4, "!", 0))

	doc, snapVersion, err := LoadDocument(ctx, st, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 0, snapVersion)
	assert.Equal(t, "seed!", doc.Text)
	assert.Equal(t, 1, doc.Version)

	ids, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, ids)
}

func TestReason(t *testing.T) {
	assert.Equal(t, ReasonNone, Reason(nil))
	assert.Equal(t, ReasonUnknownDocument, Reason(store.ErrNotFound))
	assert.Equal(t, ReasonInternal, Reason(errors.New("boom")))
	assert.Equal(t, ReasonAlreadyExists, Reason(fmt.Errorf("create: %w", store.ErrAlreadyExists)))
	assert.Equal(t, ReasonInvalidOperation, Reason(fmt.Errorf("%w: %q", store.ErrInvalidID, "a/b")))
}
