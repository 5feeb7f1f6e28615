// Package events implements the in-process progress pub/sub surface: a
// non-blocking broadcast broker keyed per container, matching spec.md
// §4.4's "channel named deterministically per container" contract.
package events

import (
	"fmt"
	"sync"

	"github.com/infrahaus/provisioner/pkg/types"
)

// Subscriber is a channel that receives ProgressEvents for containers it
// is subscribed to.
type Subscriber chan *types.ProgressEvent

// ChannelName returns the deterministic pub/sub channel name for a
// container, e.g. "progress:abc123".
func ChannelName(containerID string) string {
	return fmt.Sprintf("progress:%s", containerID)
}

// Broker distributes ProgressEvents to subscribers without blocking the
// publisher on a slow subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscriber]bool
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[Subscriber]bool),
	}
}

// Subscribe returns a buffered channel receiving all events published for
// containerID until Unsubscribe is called.
func (b *Broker) Subscribe(containerID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.subscribers[containerID] == nil {
		b.subscribers[containerID] = make(map[Subscriber]bool)
	}
	b.subscribers[containerID][sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(containerID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[containerID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub]; ok {
		delete(subs, sub)
		close(sub)
	}
	if len(subs) == 0 {
		delete(b.subscribers, containerID)
	}
}

// Publish fans event out to every current subscriber of its container.
// A subscriber with a full buffer has the event dropped for it rather
// than stalling the publisher — log events are explicitly allowed to be
// dropped this way; step/complete/error events are additionally
// persisted by the caller so a slow subscriber can still replay them.
func (b *Broker) Publish(event *types.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.ContainerID] {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers for a container.
func (b *Broker) SubscriberCount(containerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[containerID])
}
