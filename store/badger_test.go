package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/collab-ot/ot"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, newTestBadgerStore(t), sequentialID)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, ContentVersion{ContentID: "doc1", Text: "a"}))
	require.NoError(t, s.AppendOperation(ctx, "doc1", ot.NewInsert("u1", 1, "b", 0), 1))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	ops, err := s.GetOperations(ctx, "doc1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "b", ops[0].Text)
	assert.Equal(t, "doc1", ops[0].ContentID)
}

func TestBadgerStore_LatestSnapshotPicksHighest(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ContentVersion{ContentID: "doc1", Text: ""}))
	for v := 1; v <= 12; v++ {
		require.NoError(t, s.AppendOperation(ctx, "doc1", ot.NewInsert("u1", 0, "x", v-1), v))
	}
	require.NoError(t, s.SaveSnapshot(ctx, ContentVersion{ContentID: "doc1", Version: 2, Text: "xx"}))
	require.NoError(t, s.SaveSnapshot(ctx, ContentVersion{ContentID: "doc1", Version: 10, Text: "xxxxxxxxxx"}))

	// A sibling document whose id shares the prefix must not leak in.
	require.NoError(t, s.Create(ctx, ContentVersion{ContentID: "doc10", Text: "other"}))

	snap, err := s.LatestSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Version)
}

func TestBadgerStore_RejectsSlashInID(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ContentVersion{ContentID: "a", Text: ""}))
	require.NoError(t, s.AppendOperation(ctx, "a", ot.NewInsert("u1", 0, "x", 0), 1))

	for _, id := range []string{"a/op", "a/v", "x/y", ""} {
		assert.ErrorIs(t, s.Create(ctx, ContentVersion{ContentID: id}), ErrInvalidID, id)
		_, err := s.LatestSnapshot(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
		_, err = s.GetOperations(ctx, id, 0)
		assert.ErrorIs(t, err, ErrInvalidID, id)
		assert.ErrorIs(t, s.AppendOperation(ctx, id, ot.NewInsert("u1", 0, "x", 0), 1), ErrInvalidID, id)
	}

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	ops, err := s.GetOperations(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}
