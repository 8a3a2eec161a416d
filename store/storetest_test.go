package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/collab-ot/ot"
)

// runStoreSuite exercises the Store contract against a fresh backend.
// newID must return an id no other test uses.
func runStoreSuite(t *testing.T, s Store, newID func(t *testing.T) string) {
	ctx := context.Background()

	t.Run("CreateAndSeed", func(t *testing.T) {
		id := newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: id, Text: "hello", CreatedBy: "u1"}))

		snap, err := s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "hello", snap.Text)
		assert.Equal(t, 0, snap.Version)
		assert.Equal(t, id, snap.ContentID)

		ops, err := s.GetOperations(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		id := newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: id}))
		assert.ErrorIs(t, s.Create(ctx, ContentVersion{ContentID: id}), ErrAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		id := newID(t)
		_, err := s.LatestSnapshot(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetOperations(ctx, id, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.AppendOperation(ctx, id, ot.NewInsert("u1", 0, "x", 0), 1), ErrNotFound)
	})

	t.Run("AppendAndRead", func(t *testing.T) {
		id := newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: id, Text: ""}))

		ins := ot.NewInsert("u1", 0, "héllo", 0)
		ins.Meta = map[string]any{"source": "test"}
		require.NoError(t, s.AppendOperation(ctx, id, ins, 1))
		require.NoError(t, s.AppendOperation(ctx, id, ot.NewDelete("u2", 1, 2, 1), 2))
		require.NoError(t, s.AppendOperation(ctx, id, ot.NewCursor("u2", 1, 2), 3))

		ops, err := s.GetOperations(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, ins.ID, ops[0].ID)
		assert.Equal(t, "héllo", ops[0].Text)
		assert.Equal(t, "test", ops[0].Meta["source"])
		assert.Equal(t, ot.KindDelete, ops[1].Kind)
		assert.Equal(t, 2, ops[1].Length)
		assert.Equal(t, 1, ops[1].BaseVersion)
		assert.Equal(t, ot.KindCursor, ops[2].Kind)

		tail, err := s.GetOperations(ctx, id, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, ot.KindCursor, tail[0].Kind)
	})

	t.Run("AppendIdempotentAndGap", func(t *testing.T) {
		id := newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: id}))
		op := ot.NewInsert("u1", 0, "a", 0)
		require.NoError(t, s.AppendOperation(ctx, id, op, 1))
		require.NoError(t, s.AppendOperation(ctx, id, op, 1))
		assert.ErrorIs(t, s.AppendOperation(ctx, id, ot.NewInsert("u1", 0, "c", 2), 3), ErrVersionGap)

		ops, err := s.GetOperations(ctx, id, 0)
		require.NoError(t, err)
		assert.Len(t, ops, 1)
	})

	t.Run("Snapshots", func(t *testing.T) {
		id := newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: id, Text: "a"}))
		require.NoError(t, s.AppendOperation(ctx, id, ot.NewInsert("u1", 1, "b", 0), 1))
		require.NoError(t, s.AppendOperation(ctx, id, ot.NewInsert("u1", 2, "c", 1), 2))
		require.NoError(t, s.SaveSnapshot(ctx, ContentVersion{ContentID: id, Version: 2, Text: "abc"}))

		snap, err := s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Version)
		assert.Equal(t, "abc", snap.Text)
	})

	t.Run("List", func(t *testing.T) {
		a, b := newID(t), newID(t)
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: a}))
		require.NoError(t, s.Create(ctx, ContentVersion{ContentID: b}))
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, a)
		assert.Contains(t, ids, b)
	})
}
