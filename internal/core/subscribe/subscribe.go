// Package subscribe implements C8: the subscription engine of spec.md §4.8,
// turning the C7 change-event stream into filtered, coalesced, per-view
// observers over single nodes, child lists, and subtrees.
//
// Grounded on cuemby-warren/pkg/events/events.go's Broker (buffered
// ingestion, single fan-out goroutine, non-blocking per-subscriber
// delivery) generalized from one broadcast topic into three observation
// kinds with server-side filtering, and on query.Service for the initial
// snapshots spec.md §4.9 says C8 should reuse rather than re-implement.
package subscribe

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/hierarchidb/core/internal/core/command"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/events"
	"github.com/hierarchidb/core/internal/core/query"
	"github.com/hierarchidb/core/internal/core/schema"
	"github.com/hierarchidb/core/pkg/metrics"
)

// Kind is the closed set of observation kinds, spec.md §4.8.
type Kind string

const (
	KindNode     Kind = "node"
	KindChildren Kind = "children"
	KindSubtree  Kind = "subtree"
)

// NodeSnapshot is the initial value delivered to observeNode when
// includeInitialValue is requested.
type NodeSnapshot struct {
	Node *schema.Node
}

// ChildrenSnapshot is the initial ordered child list delivered to
// observeChildren when includeInitialSnapshot is requested.
type ChildrenSnapshot struct {
	Children []*schema.Node
}

// Subscription is a live observer. Callers pull coalesced batches with
// Next and release the subscription with Close.
type Subscription struct {
	ID     string
	Kind   Kind
	ViewID string
	TreeID string

	NodeID   string // KindNode
	ParentID string // KindChildren
	RootID   string // KindSubtree
	MaxDepth int    // KindSubtree, 0 = unbounded

	svc *Service

	mu      sync.Mutex
	pending map[string]events.Event // nodeId -> latest coalesced event, spec.md §4.8 backpressure
	notify  chan struct{}
	closed  bool

	members *roaring.Bitmap // KindSubtree only: ordinals currently inside the subtree
}

// Next blocks until at least one coalesced event is pending (or ctx is
// done, or the subscription is closed with nothing left to deliver), then
// returns every event accumulated since the last call, one per affected
// node, per spec.md §4.8 ("consecutive updates to the same node between
// two scheduler turns collapse to the latest").
func (sub *Subscription) Next(ctx context.Context) ([]events.Event, error) {
	select {
	case <-sub.notify:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.pending) == 0 && sub.closed {
		return nil, ErrClosed
	}
	out := make([]events.Event, 0, len(sub.pending))
	for _, ev := range sub.pending {
		out = append(out, ev)
	}
	sub.pending = make(map[string]events.Event)
	return out, nil
}

// Close releases the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.svc.remove(sub)
}

func (sub *Subscription) deliver(ev events.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.pending[ev.NodeID] = ev
	select {
	case sub.notify <- struct{}{}:
	default:
	}
	sub.mu.Unlock()
}

func (sub *Subscription) closeLocked() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// ErrClosed is returned by Next once a closed subscription has delivered
// its last pending batch.
var ErrClosed = coreerr.New(coreerr.Aborted, "subscription closed")

// Service dispatches committed change events (via C7's Broadcaster) to
// every live subscription, filtering and coalescing per spec.md §4.8.
// Membership for observeSubtree subscriptions is tracked with a
// RoaringBitmap per subscription over dense per-node ordinals the service
// assigns on first sight, instead of a Go map[string]bool, so a deep
// subtree's membership test and incremental add/remove stay compact even
// for large trees.
type Service struct {
	Query       *query.Service
	Broadcaster *command.Broadcaster
	NewID       func() string

	sub *command.Subscriber // this service's own feed from the broadcaster

	mu      sync.Mutex
	subs    map[string]*Subscription
	byView  map[string]map[string]struct{}
	ordinal map[string]uint32
	nextOrd uint32

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService creates the subscription engine and starts its dispatch loop.
func NewService(q *query.Service, broadcaster *command.Broadcaster, newID func() string) *Service {
	if newID == nil {
		newID = uuid.NewString
	}
	s := &Service{
		Query:       q,
		Broadcaster: broadcaster,
		NewID:       newID,
		sub:         broadcaster.Subscribe(""),
		subs:        make(map[string]*Subscription),
		byView:      make(map[string]map[string]struct{}),
		ordinal:     make(map[string]uint32),
		stopCh:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Stop detaches from the broadcaster and releases every live subscription.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		subs := make([]*Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
	})
}

func (s *Service) dispatchLoop() {
	defer s.Broadcaster.Unsubscribe(s.sub)
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.fanOut(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) fanOut(ev events.Event) {
	s.mu.Lock()
	targets := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.TreeID != ev.TreeID {
			continue
		}
		switch sub.Kind {
		case KindNode:
			if sub.NodeID == ev.NodeID {
				targets = append(targets, sub)
			}
		case KindChildren:
			if sub.ParentID == ev.NewParentID || sub.ParentID == ev.PrevParentID {
				targets = append(targets, sub)
			}
		case KindSubtree:
			if s.touchesSubtreeLocked(sub, ev) {
				targets = append(targets, sub)
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// touchesSubtreeLocked decides whether ev crosses or stays inside sub's
// subtree, updating sub.members on any boundary crossing. Must be called
// with s.mu held.
func (s *Service) touchesSubtreeLocked(sub *Subscription, ev events.Event) bool {
	root := sub.RootID
	wasIn := ev.PrevParentID != "" && (ev.PrevParentID == root || sub.members.Contains(s.ordinalLocked(ev.PrevParentID)))
	isIn := ev.NewParentID != "" && (ev.NewParentID == root || sub.members.Contains(s.ordinalLocked(ev.NewParentID)))

	switch ev.Kind {
	case events.NodeCreated:
		if isIn {
			sub.members.Add(s.ordinalLocked(ev.NodeID))
			return true
		}
		return false
	case events.NodeDeleted:
		if sub.members.Contains(s.ordinalLocked(ev.NodeID)) {
			sub.members.Remove(s.ordinalLocked(ev.NodeID))
			return true
		}
		return false
	case events.NodeMoved, events.NodeRestored:
		member := sub.members.Contains(s.ordinalLocked(ev.NodeID))
		switch {
		case wasIn && isIn:
			return member // still inside: only report if we'd already been tracking it
		case wasIn && !isIn:
			sub.members.Remove(s.ordinalLocked(ev.NodeID))
			return member
		case !wasIn && isIn:
			sub.members.Add(s.ordinalLocked(ev.NodeID))
			return true
		default:
			return false
		}
	default: // NodeUpdated
		return sub.members.Contains(s.ordinalLocked(ev.NodeID))
	}
}

// ordinalLocked returns the dense uint32 assigned to nodeID, minting one on
// first sight. Must be called with s.mu held.
func (s *Service) ordinalLocked(nodeID string) uint32 {
	if nodeID == "" {
		return 0
	}
	if ord, ok := s.ordinal[nodeID]; ok {
		return ord
	}
	s.nextOrd++
	s.ordinal[nodeID] = s.nextOrd
	return s.nextOrd
}

func (s *Service) register(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	if _, ok := s.byView[sub.ViewID]; !ok {
		s.byView[sub.ViewID] = make(map[string]struct{})
	}
	s.byView[sub.ViewID][sub.ID] = struct{}{}
	metrics.SubscriptionsActiveTotal.Set(float64(len(s.subs)))
}

func (s *Service) remove(sub *Subscription) {
	sub.closeLocked()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub.ID)
	if views, ok := s.byView[sub.ViewID]; ok {
		delete(views, sub.ID)
		if len(views) == 0 {
			delete(s.byView, sub.ViewID)
		}
	}
	metrics.SubscriptionsActiveTotal.Set(float64(len(s.subs)))
}

// ReleaseView closes every subscription owned by viewID, spec.md §4.8
// ("when a view disconnects ... all its subscriptions are released").
func (s *Service) ReleaseView(viewID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byView[viewID]))
	for id := range s.byView[viewID] {
		ids = append(ids, id)
	}
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Service) newSubscription(kind Kind, viewID, treeID string) *Subscription {
	sub := &Subscription{
		ID:      s.NewID(),
		Kind:    kind,
		ViewID:  viewID,
		TreeID:  treeID,
		svc:     s,
		pending: make(map[string]events.Event),
		notify:  make(chan struct{}, 1),
	}
	if kind == KindSubtree {
		sub.members = roaring.New()
	}
	s.register(sub)
	return sub
}

// ObserveNode subscribes to node-updated/-moved/-deleted events touching
// nodeID, optionally returning its current value first.
func (s *Service) ObserveNode(ctx context.Context, viewID, nodeID string, includeInitialValue bool) (*Subscription, *NodeSnapshot, error) {
	node, err := s.Query.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if node == nil {
		return nil, nil, coreerr.New(coreerr.NodeNotFound, "node %s not found", nodeID)
	}
	sub := s.newSubscription(KindNode, viewID, node.TreeID)
	sub.NodeID = nodeID

	var snap *NodeSnapshot
	if includeInitialValue {
		snap = &NodeSnapshot{Node: node}
	}
	return sub, snap, nil
}

// ObserveChildren subscribes to create/move-in/move-out/delete/update
// events touching parentID's direct children.
func (s *Service) ObserveChildren(ctx context.Context, viewID, parentID string, includeInitialSnapshot bool) (*Subscription, *ChildrenSnapshot, error) {
	parent, err := s.Query.GetNode(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, coreerr.New(coreerr.NodeNotFound, "node %s not found", parentID)
	}
	sub := s.newSubscription(KindChildren, viewID, parent.TreeID)
	sub.ParentID = parentID

	var snap *ChildrenSnapshot
	if includeInitialSnapshot {
		kids, err := s.Query.GetChildren(ctx, parentID, query.ChildrenOptions{Sort: query.SortByUpdatedAt})
		if err != nil {
			return nil, nil, err
		}
		snap = &ChildrenSnapshot{Children: kids}
	}
	return sub, snap, nil
}

// ObserveSubtree subscribes to every event touching a node in rootID's
// subtree, with an optional depth cap (maxDepth) on the initial walk: the
// snapshot and the starting membership set stop at that depth, so events
// for nodes already below it are not delivered. Live events do not apply
// the cap: a node created or moved under a tracked node is tracked from
// then on, whatever its depth.
func (s *Service) ObserveSubtree(ctx context.Context, viewID, rootID string, includeInitialSnapshot bool, maxDepth int) (*Subscription, []*schema.Node, error) {
	root, err := s.Query.GetNode(ctx, rootID)
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		return nil, nil, coreerr.New(coreerr.NodeNotFound, "node %s not found", rootID)
	}
	sub := s.newSubscription(KindSubtree, viewID, root.TreeID)
	sub.RootID = rootID
	sub.MaxDepth = maxDepth

	var snapshot []*schema.Node
	var walk func(parentID string, depth int) error
	walk = func(parentID string, depth int) error {
		if maxDepth > 0 && depth > maxDepth {
			return nil
		}
		kids, err := s.Query.GetChildren(ctx, parentID, query.ChildrenOptions{})
		if err != nil {
			return err
		}
		for _, k := range kids {
			if includeInitialSnapshot {
				snapshot = append(snapshot, k)
			}
			s.mu.Lock()
			sub.members.Add(s.ordinalLocked(k.ID))
			s.mu.Unlock()
			if err := walk(k.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootID, 1); err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, snapshot, nil
}
