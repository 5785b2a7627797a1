package subscribe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/command"
	"github.com/hierarchidb/core/internal/core/entity"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/query"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
	"github.com/hierarchidb/core/internal/core/workingcopy"
)

const testNodeType = "folder"

type harness struct {
	t     *testing.T
	store kvstore.Store
	cmd   *command.Service
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
	mut := mutation.NewService(reg, h.nextID)
	wc := workingcopy.NewService(reg, mut, h.nextID, time.Hour)
	h.cmd = command.NewService(store, mut, wc, h.clk, h.nextID, 100)
	t.Cleanup(h.cmd.Broadcaster().Stop)

	q := query.NewService(store)
	h.svc = NewService(q, h.cmd.Broadcaster(), h.nextID)
	t.Cleanup(h.svc.Stop)

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

func (h *harness) create(parentID, name string) string {
	h.t.Helper()
	res, err := h.cmd.Dispatch(context.Background(), command.Envelope{
		CommandID: h.nextID(),
		Kind:      command.KindCreate,
		Payload:   command.Payload{TreeID: h.tree.ID, ParentID: parentID, NodeType: testNodeType, Name: name},
	})
	require.NoError(h.t, err)
	require.True(h.t, res.Success)
	return res.AffectedNodeIDs[0]
}

func TestObserveNodeDeliversUpdateEvent(t *testing.T) {
	h := newHarness(t)
	nodeID := h.create(h.tree.LiveRootID, "docs")

	sub, snap, err := h.svc.ObserveNode(context.Background(), "view1", nodeID, true)
	require.NoError(t, err)
	defer sub.Close()
	require.NotNil(t, snap)
	assert.Equal(t, "docs", snap.Node.Name)

	newName := "renamed"
	_, err = h.cmd.Dispatch(context.Background(), command.Envelope{
		CommandID: h.nextID(),
		Kind:      command.KindUpdate,
		Payload:   command.Payload{TreeID: h.tree.ID, NodeID: nodeID, Name: newName},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, nodeID, evs[0].NodeID)
}

func TestObserveChildrenDeliversOnNewChild(t *testing.T) {
	h := newHarness(t)

	sub, snap, err := h.svc.ObserveChildren(context.Background(), "view1", h.tree.LiveRootID, true)
	require.NoError(t, err)
	defer sub.Close()
	require.NotNil(t, snap)
	assert.Empty(t, snap.Children)

	childID := h.create(h.tree.LiveRootID, "docs")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, childID, evs[0].NodeID)
}

func TestObserveSubtreeTracksNodesMovedIn(t *testing.T) {
	h := newHarness(t)
	parentID := h.create(h.tree.LiveRootID, "parent")
	outsideID := h.create(h.tree.LiveRootID, "outside")

	sub, snapshot, err := h.svc.ObserveSubtree(context.Background(), "view1", parentID, true, 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, snapshot)

	_, err = h.cmd.Dispatch(context.Background(), command.Envelope{
		CommandID: h.nextID(),
		Kind:      command.KindMoveNodes,
		Payload:   command.Payload{TreeID: h.tree.ID, NodeIDs: []string{outsideID}, ToParentID: parentID},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, outsideID, evs[0].NodeID)
}

func TestReleaseViewClosesAllItsSubscriptions(t *testing.T) {
	h := newHarness(t)
	nodeID := h.create(h.tree.LiveRootID, "docs")

	sub, _, err := h.svc.ObserveNode(context.Background(), "view1", nodeID, false)
	require.NoError(t, err)

	h.svc.ReleaseView("view1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestObserveNodeUnknownNodeFails(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.ObserveNode(context.Background(), "view1", "ghost", false)
	require.Error(t, err)
}
