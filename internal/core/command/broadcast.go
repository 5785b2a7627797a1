package command

import (
	"sync"

	"github.com/hierarchidb/core/internal/core/events"
	"github.com/hierarchidb/core/pkg/metrics"
)

// Subscriber is a channel that receives committed change events, spec.md
// §4.7 cross-tab coordination: "the envelope + resulting change events are
// broadcast to peer tabs; peers apply the events to their subscription
// engine only (they do not re-execute the command)".
type Subscriber chan events.Event

// Broadcaster fans committed events out to every subscriber, grounded
// verbatim on cuemby-warren/pkg/events.Broker: a buffered ingestion channel
// drained by one goroutine, non-blocking per-subscriber sends so a slow
// peer drops events instead of stalling the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]string // subscriber -> treeID filter ("" = all trees)
	eventCh     chan events.Event
	stopCh      chan struct{}
	once        sync.Once
}

// NewBroadcaster creates a broadcaster and starts its fan-out loop.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[Subscriber]string),
		eventCh:     make(chan events.Event, 256),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new peer subscriber, optionally filtered to a
// single tree (pass "" to receive every tree's events — used by C8's
// internal consumer, which applies its own per-node/per-subtree
// filtering downstream).
func (b *Broadcaster) Subscribe(treeID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 128)
	b.subscribers[sub] = treeID
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues ev for fan-out. Publish never blocks the caller beyond
// the ingestion buffer: C7's Dispatch calls this only after the store
// transaction has committed (spec.md §7: "events are queued only after the
// store commit acknowledges").
func (b *Broadcaster) Publish(ev events.Event) {
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

// Stop shuts the broadcaster down; safe to call multiple times.
func (b *Broadcaster) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

func (b *Broadcaster) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broadcaster) broadcast(ev events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub, treeFilter := range b.subscribers {
		if treeFilter != "" && treeFilter != ev.TreeID {
			continue
		}
		select {
		case sub <- ev:
		default:
			metrics.SubscriberDroppedEventsTotal.WithLabelValues(ev.TreeID).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
