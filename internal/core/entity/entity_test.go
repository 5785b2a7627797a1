package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/schema"
)

func openTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := kvstore.Open(kvstore.Options{Path: path, Tables: schema.AllCoreTables()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func idSeq() func() string {
	n := 0
	return func() string {
		n++
		return "id" + itoa(n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestCreateGetUpdateDeleteEntityRoundTrip(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", nil, nil, idSeq())
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		_, err := h.CreateEntity(ctx, tx, "n1", map[string]any{"body": "hello"}, clk)
		return err
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "n1")
		require.NoError(t, err)
		require.NotNil(t, ent)
		assert.Equal(t, "hello", ent.Data["body"])
		assert.Equal(t, int64(1), ent.Version)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		_, err := h.UpdateEntity(ctx, tx, "n1", map[string]any{"body": "updated"}, clk)
		return err
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "updated", ent.Data["body"])
		assert.Equal(t, int64(2), ent.Version)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.DeleteEntity(ctx, tx, "n1", clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "n1")
		require.NoError(t, err)
		assert.Nil(t, ent)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateEntityTwiceForSameNodeFails(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", nil, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		_, err := h.CreateEntity(ctx, tx, "n1", nil, clk)
		return err
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		_, err := h.CreateEntity(ctx, tx, "n1", nil, clk)
		return err
	})
	require.Error(t, err)
}

func TestWorkingCopyCreateCommitAppliesDraftData(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", nil, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		_, err := h.CreateEntity(ctx, tx, "n1", map[string]any{"body": "v1"}, clk)
		return err
	})
	require.NoError(t, err)

	var draft map[string]any
	err = store.View(ctx, func(tx kvstore.Tx) error {
		var err error
		draft, err = h.CreateWorkingCopy(ctx, tx, "n1")
		return err
	})
	require.NoError(t, err)
	draft["body"] = "v2"

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.CommitWorkingCopy(ctx, tx, "n1", draft, clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "v2", ent.Data["body"])
		return nil
	})
	require.NoError(t, err)
}

func TestGroupEntityOrdinalsAreSequentialAndDeletable(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", []string{"tags"}, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		for _, name := range []string{"a", "b", "c"} {
			if _, err := h.CreateGroupEntity(ctx, tx, "n1", "tags", map[string]any{"name": name}, clk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		entries, err := h.GetGroupEntities(ctx, tx, "n1", "tags")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, 0, entries[0].Ordinal)
		assert.Equal(t, 2, entries[2].Ordinal)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.DeleteGroupEntities(ctx, tx, "n1", "tags")
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		entries, err := h.GetGroupEntities(ctx, tx, "n1", "tags")
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicateCopiesEntityAndGroupsToNewNode(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", []string{"tags"}, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		if _, err := h.CreateEntity(ctx, tx, "src", map[string]any{"body": "hi"}, clk); err != nil {
			return err
		}
		_, err := h.CreateGroupEntity(ctx, tx, "src", "tags", map[string]any{"name": "x"}, clk)
		return err
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.Duplicate(ctx, tx, "src", "dst", clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "dst")
		require.NoError(t, err)
		require.NotNil(t, ent)
		assert.Equal(t, "hi", ent.Data["body"])

		groups, err := h.GetGroupEntities(ctx, tx, "dst", "tags")
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, "x", groups[0].Data["name"])
		return nil
	})
	require.NoError(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", []string{"tags"}, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		if _, err := h.CreateEntity(ctx, tx, "n1", map[string]any{"body": "v1"}, clk); err != nil {
			return err
		}
		_, err := h.CreateGroupEntity(ctx, tx, "n1", "tags", map[string]any{"name": "x"}, clk)
		return err
	})
	require.NoError(t, err)

	var backup *Backup
	err = store.View(ctx, func(tx kvstore.Tx) error {
		var err error
		backup, err = h.Backup(ctx, tx, "n1", clk)
		return err
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		if _, err := h.UpdateEntity(ctx, tx, "n1", map[string]any{"body": "v2"}, clk); err != nil {
			return err
		}
		return h.DeleteGroupEntities(ctx, tx, "n1", "tags")
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.Restore(ctx, tx, "n1", backup, clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		ent, err := h.GetEntity(ctx, tx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "v1", ent.Data["body"])

		groups, err := h.GetGroupEntities(ctx, tx, "n1", "tags")
		require.NoError(t, err)
		require.Len(t, groups, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestRelationalRefCountSharedAcrossTwoNodesThenDropsToZero(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", nil, &RelConfig{Field: "blobRef", Kind: "blobs"}, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		if _, err := h.CreateEntity(ctx, tx, "n1", map[string]any{"blobRef": "hash1"}, clk); err != nil {
			return err
		}
		_, err := h.CreateEntity(ctx, tx, "n2", map[string]any{"blobRef": "hash1"}, clk)
		return err
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		tbl, err := tx.Table(schema.RelationalEntityTable("blobs"))
		require.NoError(t, err)
		raw, err := tbl.Get([]byte("hash1"))
		require.NoError(t, err)
		require.NotNil(t, raw)
		rel, err := schema.DecodeRelationalEntity(raw)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rel.RefCount)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.DeleteEntity(ctx, tx, "n1", clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		tbl, err := tx.Table(schema.RelationalEntityTable("blobs"))
		require.NoError(t, err)
		raw, err := tbl.Get([]byte("hash1"))
		require.NoError(t, err)
		rel, err := schema.DecodeRelationalEntity(raw)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rel.RefCount)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.DeleteEntity(ctx, tx, "n2", clk)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		tbl, err := tx.Table(schema.RelationalEntityTable("blobs"))
		require.NoError(t, err)
		raw, err := tbl.Get([]byte("hash1"))
		require.NoError(t, err)
		assert.Nil(t, raw, "refcount reaching zero should delete the shared relational entity")
		return nil
	})
	require.NoError(t, err)
}

func TestCleanupRemovesWorkingCopiesAndGroups(t *testing.T) {
	store := openTestStore(t)
	h := NewBaseHandler("doc", []string{"tags"}, nil, idSeq())
	clk := clock.NewFixed(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, func(tx kvstore.Tx) error {
		if _, err := h.CreateGroupEntity(ctx, tx, "n1", "tags", map[string]any{"name": "x"}, clk); err != nil {
			return err
		}
		wc := &schema.WorkingCopy{ID: "wc1", Mode: schema.WorkingCopyEdit, SourceNodeID: "n1", ViewID: "view1", CreatedAt: clk.Now()}
		enc, err := schema.EncodeWorkingCopy(wc)
		if err != nil {
			return err
		}
		wcTbl, err := tx.Table(schema.TableWorkingCopies)
		if err != nil {
			return err
		}
		if err := wcTbl.Put([]byte(wc.ID), enc); err != nil {
			return err
		}
		idx, err := tx.Table(schema.IndexWorkingCopiesByView)
		if err != nil {
			return err
		}
		return idx.Put(schema.WorkingCopyViewKey("n1", "view1"), []byte(wc.ID))
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx kvstore.Tx) error {
		return h.Cleanup(ctx, tx, "n1")
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx kvstore.Tx) error {
		groups, err := h.GetGroupEntities(ctx, tx, "n1", "tags")
		require.NoError(t, err)
		assert.Empty(t, groups)

		wcTbl, err := tx.Table(schema.TableWorkingCopies)
		require.NoError(t, err)
		raw, err := wcTbl.Get([]byte("wc1"))
		require.NoError(t, err)
		assert.Nil(t, raw)
		return nil
	})
	require.NoError(t, err)
}
