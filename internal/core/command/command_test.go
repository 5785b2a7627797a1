package command

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
	"github.com/hierarchidb/core/internal/core/workingcopy"
)

const testNodeType = "folder"

type harness struct {
	t     *testing.T
	store kvstore.Store
	svc   *Service
	clk   *clock.Fixed
	idSeq int
	tree  *schema.Tree
}

func newHarness(t *testing.T, ringCap int) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	store, err := kvstore.Open(kvstore.Options{Path: path, Tables: schema.AllCoreTables()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	h := &harness{t: t, store: store, clk: clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	mut := mutation.NewService(reg, h.nextID)
	wc := workingcopy.NewService(reg, mut, h.nextID, time.Hour)
	h.svc = NewService(store, mut, wc, h.clk, h.nextID, ringCap)
	t.Cleanup(h.svc.Broadcaster().Stop)

	require.NoError(t, reg.Register(&registry.Definition{
		Tag:     testNodeType,
		Handler: entity.NewBaseHandler(testNodeType, nil, nil, h.nextID),
	}))

	err = store.Update(context.Background(), func(tx kvstore.Tx) error {
		var err error
		h.tree, err = mut.CreateTree(context.Background(), tx, "t1", "default", h.clk)
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

func (h *harness) dispatch(env Envelope) Result {
	h.t.Helper()
	res, err := h.svc.Dispatch(context.Background(), env)
	require.NoError(h.t, err)
	return res
}

func (h *harness) createNode(name string) string {
	h.t.Helper()
	res := h.dispatch(Envelope{
		CommandID: h.nextID(),
		Kind:      KindCreate,
		Payload:   Payload{TreeID: h.tree.ID, ParentID: h.tree.LiveRootID, NodeType: testNodeType, Name: name},
	})
	require.True(h.t, res.Success)
	require.Len(h.t, res.AffectedNodeIDs, 1)
	return res.AffectedNodeIDs[0]
}

func TestDispatchCreateSucceedsAndIsUndoable(t *testing.T) {
	h := newHarness(t, 10)
	nodeID := h.createNode("docs")
	assert.True(t, h.svc.CanUndo(h.tree.ID))

	undo := h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	assert.True(t, undo.Success)
	assert.Contains(t, undo.AffectedNodeIDs, nodeID)
	assert.False(t, h.svc.CanUndo(h.tree.ID))
	assert.True(t, h.svc.CanRedo(h.tree.ID))
}

func TestDispatchMissingCommandIDFails(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.svc.Dispatch(context.Background(), Envelope{Kind: KindCreate})
	require.Error(t, err)
}

func TestUndoThenRedoRestoresNode(t *testing.T) {
	h := newHarness(t, 10)
	nodeID := h.createNode("docs")

	h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	redo := h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindRedo, Payload: Payload{TreeID: h.tree.ID}})
	assert.True(t, redo.Success)

	var found bool
	err := h.store.View(context.Background(), func(tx kvstore.Tx) error {
		n, err := mutation.GetNode(tx, nodeID)
		if err != nil {
			return err
		}
		found = n != nil
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found, "redo recreated the node under its original id")
	assert.True(t, h.svc.CanUndo(h.tree.ID))
	assert.False(t, h.svc.CanRedo(h.tree.ID))
}

func TestUndoWithEmptyRingFails(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.svc.Dispatch(context.Background(), Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	require.Error(t, err)
}

func TestGroupedCommandsCollapseToOneUndoStep(t *testing.T) {
	h := newHarness(t, 10)
	groupID := "g1"

	a := h.dispatch(Envelope{CommandID: h.nextID(), GroupID: groupID, Kind: KindCreate, Payload: Payload{TreeID: h.tree.ID, ParentID: h.tree.LiveRootID, NodeType: testNodeType, Name: "a"}})
	b := h.dispatch(Envelope{CommandID: h.nextID(), GroupID: groupID, Kind: KindCreate, Payload: Payload{TreeID: h.tree.ID, ParentID: h.tree.LiveRootID, NodeType: testNodeType, Name: "b"}})
	require.True(t, a.Success)
	require.True(t, b.Success)

	undo := h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	assert.True(t, undo.Success)
	assert.ElementsMatch(t, append(append([]string{}, a.AffectedNodeIDs...), b.AffectedNodeIDs...), undo.AffectedNodeIDs)
	assert.False(t, h.svc.CanUndo(h.tree.ID), "one grouped undo step should clear both commands")
}

func TestNewCommandAfterUndoClearsRedoRing(t *testing.T) {
	h := newHarness(t, 10)
	h.createNode("docs")
	h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	assert.True(t, h.svc.CanRedo(h.tree.ID))

	h.createNode("other")
	assert.False(t, h.svc.CanRedo(h.tree.ID))
}

func TestClearHistoryEmptiesBothRings(t *testing.T) {
	h := newHarness(t, 10)
	h.createNode("docs")
	require.True(t, h.svc.CanUndo(h.tree.ID))

	h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindClearHistory, Payload: Payload{TreeID: h.tree.ID}})
	assert.False(t, h.svc.CanUndo(h.tree.ID))
	assert.False(t, h.svc.CanRedo(h.tree.ID))
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	h := newHarness(t, 2)
	h.createNode("a")
	h.createNode("b")
	h.createNode("c")

	assert.True(t, h.svc.CanUndo(h.tree.ID))
	h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	h.dispatch(Envelope{CommandID: h.nextID(), Kind: KindUndo, Payload: Payload{TreeID: h.tree.ID}})
	assert.False(t, h.svc.CanUndo(h.tree.ID), "ring capacity 2 should have evicted the first create")
}

func TestDispatchBroadcastsCommittedEvents(t *testing.T) {
	h := newHarness(t, 10)
	sub := h.svc.Broadcaster().Subscribe(h.tree.ID)
	defer h.svc.Broadcaster().Unsubscribe(sub)

	h.createNode("docs")

	select {
	case ev := <-sub:
		assert.Equal(t, h.tree.ID, ev.TreeID)
		assert.NotZero(t, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestUnknownCommandKindFails(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.svc.Dispatch(context.Background(), Envelope{CommandID: h.nextID(), Kind: Kind("bogus"), Payload: Payload{TreeID: h.tree.ID}})
	require.Error(t, err)
}
