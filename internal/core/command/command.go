// Package command implements C7: envelope validation and dispatch to C5/C6,
// a per-tree ring-buffered undo/redo log with groupId collapsing, and
// cross-tab change-event broadcast, per spec.md §4.7.
//
// Dispatch is grounded on cuemby-warren/pkg/manager/fsm.go's
// dispatch-by-command-kind Apply method, generalized from a Raft log entry
// to a command envelope and stripped of the consensus layer underneath it
// (see DESIGN.md's dropped-dependency note on hashicorp/raft). The
// cross-tab broadcaster is pkg/events/events.go's Broker, reused near
// verbatim: a buffered ingestion channel drained by one goroutine that
// fans out to per-subscriber channels, non-blocking so one slow peer never
// stalls another.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/events"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/workingcopy"
	"github.com/hierarchidb/core/pkg/log"
	"github.com/hierarchidb/core/pkg/metrics"
)

// Kind is the closed set of command envelope kinds, spec.md §6 RPC surface.
type Kind string

const (
	KindCreate                      Kind = "create"
	KindUpdate                      Kind = "update"
	KindMoveNodes                   Kind = "moveNodes"
	KindMoveToTrash                 Kind = "moveToTrash"
	KindRecoverFromTrash            Kind = "recoverFromTrash"
	KindPermanentDelete             Kind = "permanentDelete"
	KindDuplicateNodes              Kind = "duplicateNodes"
	KindPasteNodes                  Kind = "pasteNodes"
	KindCreateWorkingCopy           Kind = "createWorkingCopy"
	KindCommitWorkingCopy           Kind = "commitWorkingCopy"
	KindDiscardWorkingCopy          Kind = "discardWorkingCopy"
	KindCreateWorkingCopyForCreate  Kind = "createWorkingCopyForCreate"
	KindCommitWorkingCopyForCreate  Kind = "commitWorkingCopyForCreate"
	KindDiscardWorkingCopyForCreate Kind = "discardWorkingCopyForCreate"
	KindUndo                        Kind = "undo"
	KindRedo                        Kind = "redo"
	KindClearHistory                Kind = "clearHistory"
)

// Payload carries every field any Kind might need. Only the fields a given
// Kind's dispatch branch reads are meaningful for that Kind; the envelope
// shape is uniform (spec.md §6: "all payloads are structured-clone
// compatible") rather than a Go tagged union, matching the wire-level
// contract across the RPC boundary.
type Payload struct {
	TreeID            string
	NodeID            string
	NodeIDs           []string
	ParentID          string
	ToParentID        string
	NodeType          string
	Name              string
	Description       string
	Fields            map[string]any
	Patch             map[string]any
	ExpectedUpdatedAt *time.Time
	WorkingCopyID     string
	SourceNodeID      string
	Cut               bool
}

// Envelope is the uniform command record of spec.md §4.1/§6.
type Envelope struct {
	CommandID      string
	GroupID        string
	Kind           Kind
	Payload        Payload
	IssuedAt       time.Time
	SourceViewID   string
	OnNameConflict mutation.CollisionPolicy
}

// Result is what crosses the RPC boundary back to the caller, spec.md §4.5:
// "{success, error?, code?, affectedNodeIds[]}".
type Result struct {
	Success         bool
	Code            coreerr.Code
	Error           string
	AffectedNodeIDs []string
}

// group is one undo/redo ring entry: every inverse collected from the
// commands sharing one groupId, in original execution order.
type group struct {
	groupID string
	inverse []mutation.InverseFunc
}

// ring is a per-tree undo or redo stack with bounded depth and oldest-first
// eviction, spec.md §4.7 ("ring capacity is configurable, default ~100
// groups per tree; eviction is oldest-first").
type ring struct {
	groups   []group
	capacity int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &ring{capacity: capacity}
}

func (r *ring) push(g group) (evicted bool) {
	r.groups = append(r.groups, g)
	if len(r.groups) > r.capacity {
		r.groups = r.groups[1:]
		return true
	}
	return false
}

func (r *ring) pop() (group, bool) {
	if len(r.groups) == 0 {
		return group{}, false
	}
	last := r.groups[len(r.groups)-1]
	r.groups = r.groups[:len(r.groups)-1]
	return last, true
}

func (r *ring) clear() { r.groups = nil }

func (r *ring) depth() int { return len(r.groups) }

// Service dispatches command envelopes against C5/C6, maintains the
// per-tree undo/redo rings, and broadcasts committed change events to
// cross-tab subscribers.
//
// The undo/redo rings live in process memory, keyed by treeID, rather than
// in the `undoLog:{treeId}` store table schema.UndoLogTable names: an
// InverseFunc is a Go closure, not a serializable value, so it cannot
// survive a process restart. schema.UndoLogTable is reserved for a future
// durable encoding (replaying serialized command envelopes instead of
// closures) and is intentionally unused by this implementation.
type Service struct {
	Store       kvstore.Store
	Mutation    *mutation.Service
	WorkingCopy *workingcopy.Service
	Clock       clock.Clock
	NewID       func() string
	RingCap     int

	broadcaster *Broadcaster

	mu     sync.Mutex
	undo   map[string]*ring // treeID -> undo ring
	redo   map[string]*ring // treeID -> redo ring
	seqNum map[string]uint64 // treeID -> last issued sequence number
}

// NewService constructs a command pipeline. newID defaults to uuid.NewString
// when nil.
func NewService(store kvstore.Store, mut *mutation.Service, wc *workingcopy.Service, clk clock.Clock, newID func() string, ringCapacity int) *Service {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		Store:       store,
		Mutation:    mut,
		WorkingCopy: wc,
		Clock:       clk,
		NewID:       newID,
		RingCap:     ringCapacity,
		broadcaster: NewBroadcaster(),
		undo:        make(map[string]*ring),
		redo:        make(map[string]*ring),
		seqNum:      make(map[string]uint64),
	}
}

// Broadcaster returns the cross-tab change-event broker so C8 (subscribe)
// and peer sessions can Subscribe to committed events.
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }

func (s *Service) ringFor(m map[string]*ring, treeID string) *ring {
	r, ok := m[treeID]
	if !ok {
		r = newRing(s.RingCap)
		m[treeID] = r
	}
	return r
}

// Dispatch validates and applies one command envelope inside a single store
// transaction, stamping fresh per-tree sequence numbers on its events and
// broadcasting them only after the transaction commits (spec.md §4.7/§5
// ordering guarantee O1/O4).
func (s *Service) Dispatch(ctx context.Context, env Envelope) (Result, error) {
	logger := log.WithCommandID(env.CommandID)
	if env.CommandID == "" {
		return Result{}, coreerr.New(coreerr.InvalidEnvelope, "command envelope missing commandId")
	}
	timer := metrics.NewTimer()

	var mutRes *mutation.Result
	var treeID string
	err := s.Store.Update(ctx, func(tx kvstore.Tx) error {
		var err error
		mutRes, treeID, err = s.apply(ctx, tx, env)
		return err
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CommandsTotal.WithLabelValues(string(env.Kind), outcome).Inc()
	timer.ObserveDurationVec(metrics.CommandDuration, string(env.Kind))

	if err != nil {
		logger.Warn().Str("kind", string(env.Kind)).Err(err).Msg("command failed")
		return Result{Success: false, Code: coreerr.CodeOf(err), Error: err.Error()}, err
	}

	if mutRes != nil && treeID != "" {
		s.stampAndBroadcast(treeID, mutRes.Events)
		s.recordUndo(env, treeID, mutRes.Inverse)
	}

	affected := []string{}
	if mutRes != nil {
		affected = mutRes.AffectedNodeIDs
	}
	return Result{Success: true, AffectedNodeIDs: affected}, nil
}

// apply performs the kind-specific dispatch, returning the mutation.Result
// (nil for undo/redo/clearHistory, which manage the rings directly) and the
// treeID whose sequence counter and undo ring should be updated.
func (s *Service) apply(ctx context.Context, tx kvstore.Tx, env Envelope) (*mutation.Result, string, error) {
	p := env.Payload
	clk := s.Clock

	switch env.Kind {
	case KindCreate:
		res, err := s.Mutation.Create(ctx, tx, p.TreeID, p.ParentID, p.NodeType, p.Name, p.Description, p.Fields, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindUpdate:
		res, err := s.Mutation.Update(ctx, tx, p.NodeID, p.Patch, nonEmpty(p.Name), p.ExpectedUpdatedAt, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindMoveNodes:
		res, err := s.Mutation.MoveNodes(ctx, tx, p.NodeIDs, p.ToParentID, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindMoveToTrash:
		res, err := s.Mutation.MoveToTrash(ctx, tx, p.NodeIDs, clk)
		return res, p.TreeID, err

	case KindRecoverFromTrash:
		res, err := s.Mutation.RecoverFromTrash(ctx, tx, p.NodeIDs, p.ToParentID, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindPermanentDelete:
		res, err := s.Mutation.PermanentDelete(ctx, tx, p.NodeIDs, clk)
		return res, p.TreeID, err

	case KindDuplicateNodes:
		res, err := s.Mutation.DuplicateNodes(ctx, tx, p.NodeIDs, p.ToParentID, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindPasteNodes:
		res, err := s.Mutation.PasteNodes(ctx, tx, p.NodeIDs, p.ToParentID, env.OnNameConflict, p.Cut, clk)
		return res, p.TreeID, err

	case KindCreateWorkingCopy:
		wc, err := s.WorkingCopy.CreateWorkingCopy(ctx, tx, s.NewID(), p.SourceNodeID, env.SourceViewID, clk)
		if err != nil {
			return nil, p.TreeID, err
		}
		return &mutation.Result{AffectedNodeIDs: []string{wc.ID}}, p.TreeID, nil

	case KindCommitWorkingCopy:
		var expected time.Time
		if p.ExpectedUpdatedAt != nil {
			expected = *p.ExpectedUpdatedAt
		}
		res, err := s.WorkingCopy.CommitWorkingCopy(ctx, tx, p.WorkingCopyID, expected, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindDiscardWorkingCopy, KindDiscardWorkingCopyForCreate:
		if err := s.WorkingCopy.DiscardWorkingCopy(ctx, tx, p.WorkingCopyID); err != nil {
			return nil, p.TreeID, err
		}
		return &mutation.Result{}, p.TreeID, nil

	case KindCreateWorkingCopyForCreate:
		wc, err := s.WorkingCopy.CreateWorkingCopyForCreate(ctx, tx, s.NewID(), p.ParentID, p.NodeType, p.Name, p.Description, env.SourceViewID, clk)
		if err != nil {
			return nil, p.TreeID, err
		}
		return &mutation.Result{AffectedNodeIDs: []string{wc.ID}}, p.TreeID, nil

	case KindCommitWorkingCopyForCreate:
		res, err := s.WorkingCopy.CommitWorkingCopyForCreate(ctx, tx, p.WorkingCopyID, env.OnNameConflict, clk)
		return res, p.TreeID, err

	case KindUndo:
		res, err := s.undoLocked(ctx, tx, p.TreeID, clk)
		return res, p.TreeID, err

	case KindRedo:
		res, err := s.redoLocked(ctx, tx, p.TreeID, clk)
		return res, p.TreeID, err

	case KindClearHistory:
		s.clearHistory(p.TreeID)
		return &mutation.Result{}, "", nil

	default:
		return nil, "", coreerr.New(coreerr.UnknownCommandKind, "unknown command kind %q", env.Kind)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// recordUndo appends inv to treeID's undo ring, collapsing into the
// previous entry if it shares env.GroupID (spec.md §4.7: "multiple commands
// sharing a groupId collapse to one undo step"), and truncates the redo
// ring unless this command IS an undo/redo.
func (s *Service) recordUndo(env Envelope, treeID string, inv []mutation.InverseFunc) {
	if env.Kind == KindUndo || env.Kind == KindRedo || env.Kind == KindClearHistory {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ringFor(s.redo, treeID).clear()
	metrics.RedoRingDepth.WithLabelValues(treeID).Set(0)

	if len(inv) == 0 {
		return
	}
	u := s.ringFor(s.undo, treeID)
	if n := len(u.groups); n > 0 && env.GroupID != "" && u.groups[n-1].groupID == env.GroupID {
		u.groups[n-1].inverse = append(u.groups[n-1].inverse, inv...)
	} else {
		if u.push(group{groupID: env.GroupID, inverse: inv}) {
			metrics.UndoRingEvictionsTotal.WithLabelValues(treeID).Inc()
		}
	}
	metrics.UndoRingDepth.WithLabelValues(treeID).Set(float64(u.depth()))
}

// undoLocked pops the top undo group and executes its inverses in reverse
// order inside the caller's transaction, then pushes the resulting
// (forward-moving) group onto the redo ring, spec.md §4.7.
func (s *Service) undoLocked(ctx context.Context, tx kvstore.Tx, treeID string, clk clock.Clock) (*mutation.Result, error) {
	s.mu.Lock()
	u := s.ringFor(s.undo, treeID)
	g, ok := u.pop()
	s.mu.Unlock()
	if !ok {
		return nil, coreerr.New(coreerr.InvalidEnvelope, "nothing to undo for tree %s", treeID)
	}

	res := &mutation.Result{}
	for i := len(g.inverse) - 1; i >= 0; i-- {
		step, err := g.inverse[i](ctx, tx, clk)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Aborted, err, "undo failed for tree %s", treeID)
		}
		if step != nil {
			res.AffectedNodeIDs = append(res.AffectedNodeIDs, step.AffectedNodeIDs...)
			res.Events = append(res.Events, step.Events...)
			res.Inverse = append(res.Inverse, step.Inverse...)
		}
	}

	s.mu.Lock()
	s.ringFor(s.redo, treeID).push(group{groupID: g.groupID, inverse: res.Inverse})
	metrics.UndoRingDepth.WithLabelValues(treeID).Set(float64(u.depth()))
	metrics.RedoRingDepth.WithLabelValues(treeID).Set(float64(s.ringFor(s.redo, treeID).depth()))
	s.mu.Unlock()

	return res, nil
}

// redoLocked is the mirror of undoLocked: pop the top redo group, execute
// it, push the result back onto the undo ring.
func (s *Service) redoLocked(ctx context.Context, tx kvstore.Tx, treeID string, clk clock.Clock) (*mutation.Result, error) {
	s.mu.Lock()
	r := s.ringFor(s.redo, treeID)
	g, ok := r.pop()
	s.mu.Unlock()
	if !ok {
		return nil, coreerr.New(coreerr.InvalidEnvelope, "nothing to redo for tree %s", treeID)
	}

	res := &mutation.Result{}
	for i := len(g.inverse) - 1; i >= 0; i-- {
		step, err := g.inverse[i](ctx, tx, clk)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Aborted, err, "redo failed for tree %s", treeID)
		}
		if step != nil {
			res.AffectedNodeIDs = append(res.AffectedNodeIDs, step.AffectedNodeIDs...)
			res.Events = append(res.Events, step.Events...)
			res.Inverse = append(res.Inverse, step.Inverse...)
		}
	}

	s.mu.Lock()
	u := s.ringFor(s.undo, treeID)
	u.push(group{groupID: g.groupID, inverse: res.Inverse})
	metrics.UndoRingDepth.WithLabelValues(treeID).Set(float64(u.depth()))
	metrics.RedoRingDepth.WithLabelValues(treeID).Set(float64(r.depth()))
	s.mu.Unlock()

	return res, nil
}

func (s *Service) clearHistory(treeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringFor(s.undo, treeID).clear()
	s.ringFor(s.redo, treeID).clear()
	metrics.UndoRingDepth.WithLabelValues(treeID).Set(0)
	metrics.RedoRingDepth.WithLabelValues(treeID).Set(0)
}

// CanUndo/CanRedo report ring non-emptiness for one tree.
func (s *Service) CanUndo(treeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringFor(s.undo, treeID).depth() > 0
}

func (s *Service) CanRedo(treeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringFor(s.redo, treeID).depth() > 0
}

// stampAndBroadcast assigns each event the next per-tree sequence number
// (O1: "within one tree, change events are totally ordered by their
// sequence number") and fans them out to cross-tab subscribers. Sequence
// numbers are stamped here rather than in C5/C6 because only C7 serializes
// across concurrently-dispatched commands for one tree.
func (s *Service) stampAndBroadcast(treeID string, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	s.mu.Lock()
	for i := range evs {
		s.seqNum[treeID]++
		evs[i].Sequence = s.seqNum[treeID]
	}
	s.mu.Unlock()

	for _, ev := range evs {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
		s.broadcaster.Publish(ev)
	}
}

// String implements fmt.Stringer for debugging/log fields.
func (env Envelope) String() string {
	return fmt.Sprintf("command(%s kind=%s tree=%s group=%s)", env.CommandID, env.Kind, env.Payload.TreeID, env.GroupID)
}
