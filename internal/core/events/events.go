// Package events defines the change-event vocabulary shared by the
// mutation/working-copy services (C5/C6, producers), the command pipeline
// (C7, sequencer + broadcaster) and the subscription engine (C8, consumer).
//
// It is a standalone package (no dependency on mutation/command/subscribe)
// so all three can import it without a cycle, the same role
// cuemby-warren/pkg/events.Event plays for that codebase's broker.
package events

import "time"

// Kind is the closed tagged-union of change events, spec.md §3.
type Kind string

const (
	NodeCreated  Kind = "node-created"
	NodeUpdated  Kind = "node-updated"
	NodeMoved    Kind = "node-moved"
	NodeDeleted  Kind = "node-deleted"
	NodeRestored Kind = "node-restored"
)

// Event is one committed change, carrying a per-tree monotonically
// increasing Sequence number (spec.md §3, §5 invariant O1).
type Event struct {
	Kind     Kind
	TreeID   string
	NodeID   string
	Sequence uint64
	IssuedAt time.Time

	// PrevParentID/NewParentID are set for NodeMoved (including trash/
	// restore transitions, which are moves under the trash/live root).
	PrevParentID string
	NewParentID  string

	// RemovedAt is set when this move trashed the node (nil otherwise);
	// NodeRestored events carry RemovedAt == nil to signal the clear.
	RemovedAt *time.Time

	// Name is the node's display name at the time of the event, used by
	// observeChildren to avoid a re-read for simple rename deltas.
	Name string
}
