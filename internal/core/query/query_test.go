package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/entity"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
)

const testNodeType = "folder"

type harness struct {
	t     *testing.T
	store kvstore.Store
	mut   *mutation.Service
	svc   *Service
	clk   *clock.Fixed
	idSeq int
	tree  *schema.Tree
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	store, err := kvstore.Open(kvstore.Options{Path: path, Tables: schema.AllCoreTables()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	h := &harness{t: t, store: store, clk: clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	h.mut = mutation.NewService(reg, h.nextID)
	h.svc = NewService(store)

	require.NoError(t, reg.Register(&registry.Definition{
		Tag:     testNodeType,
		Handler: entity.NewBaseHandler(testNodeType, nil, nil, h.nextID),
	}))

	err = store.Update(context.Background(), func(tx kvstore.Tx) error {
		var err error
		h.tree, err = h.mut.CreateTree(context.Background(), tx, "t1", "default", h.clk)
		return err
	})
	require.NoError(t, err)
	return h
}

func (h *harness) nextID() string {
	h.idSeq++
	return "id" + itoa(h.idSeq)
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

func (h *harness) create(parentID, name string) string {
	h.t.Helper()
	var res *mutation.Result
	err := h.store.Update(context.Background(), func(tx kvstore.Tx) error {
		var err error
		res, err = h.mut.Create(context.Background(), tx, h.tree.ID, parentID, testNodeType, name, "", nil, mutation.CollisionError, h.clk)
		return err
	})
	require.NoError(h.t, err)
	h.clk.Advance(time.Minute)
	return res.AffectedNodeIDs[0]
}

func TestGetNodeReturnsNilForUnknownID(t *testing.T) {
	h := newHarness(t)
	n, err := h.svc.GetNode(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestGetChildrenSortsByName(t *testing.T) {
	h := newHarness(t)
	h.create(h.tree.LiveRootID, "banana")
	h.create(h.tree.LiveRootID, "apple")
	h.create(h.tree.LiveRootID, "cherry")

	kids, err := h.svc.GetChildren(context.Background(), h.tree.LiveRootID, ChildrenOptions{Sort: SortByName})
	require.NoError(t, err)
	require.Len(t, kids, 3)
	assert.Equal(t, []string{"apple", "banana", "cherry"}, []string{kids[0].Name, kids[1].Name, kids[2].Name})
}

func TestGetChildrenSortsByUpdatedAtByDefault(t *testing.T) {
	h := newHarness(t)
	h.create(h.tree.LiveRootID, "first")
	h.create(h.tree.LiveRootID, "second")

	kids, err := h.svc.GetChildren(context.Background(), h.tree.LiveRootID, ChildrenOptions{})
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "first", kids[0].Name)
	assert.Equal(t, "second", kids[1].Name)
}

func TestGetChildrenRespectsLimitAndOffset(t *testing.T) {
	h := newHarness(t)
	h.create(h.tree.LiveRootID, "a")
	h.create(h.tree.LiveRootID, "b")
	h.create(h.tree.LiveRootID, "c")

	kids, err := h.svc.GetChildren(context.Background(), h.tree.LiveRootID, ChildrenOptions{Sort: SortByName, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "b", kids[0].Name)
}

func TestGetAncestorsReturnsRootToNodePathInclusive(t *testing.T) {
	h := newHarness(t)
	parentID := h.create(h.tree.LiveRootID, "parent")
	childID := h.create(parentID, "child")

	path, err := h.svc.GetAncestors(context.Background(), childID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, h.tree.LiveRootID, path[0].ID)
	assert.Equal(t, parentID, path[1].ID)
	assert.Equal(t, childID, path[2].ID)
}

func TestSearchByNameIsCaseInsensitiveAndSkipsTrash(t *testing.T) {
	h := newHarness(t)
	h.create(h.tree.LiveRootID, "Project Plan")
	trashedID := h.create(h.tree.LiveRootID, "Project Archive")

	err := h.store.Update(context.Background(), func(tx kvstore.Tx) error {
		_, err := h.mut.MoveToTrash(context.Background(), tx, []string{trashedID}, h.clk)
		return err
	})
	require.NoError(t, err)

	found, err := h.svc.SearchByName(context.Background(), h.tree.ID, "project", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Project Plan", found[0].Name)
}

func TestCountDescendantsCountsWholeSubtree(t *testing.T) {
	h := newHarness(t)
	parentID := h.create(h.tree.LiveRootID, "parent")
	h.create(parentID, "child1")
	grandparent := h.create(parentID, "child2")
	h.create(grandparent, "grandchild")

	n, err := h.svc.CountDescendants(context.Background(), parentID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetTrashRootReturnsTreeTrashRoot(t *testing.T) {
	h := newHarness(t)
	n, err := h.svc.GetTrashRoot(context.Background(), h.tree.ID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, h.tree.TrashRootID, n.ID)
}
