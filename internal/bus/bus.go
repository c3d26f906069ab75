package bus

import (
	"strings"
	"sync"

	"github.com/basket/taskd/internal/persistence"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task topics. Every successful task transition publishes TopicTaskUpdated
// with the fresh row and TopicTaskEvent with the event that was appended.
const (
	TopicTaskPrefix  = "task."
	TopicTaskUpdated = "task.updated"
	TopicTaskEvent   = "task.event"

	TopicRegistryRebuilt = "registry.rebuilt"
)

// TaskUpdated carries the task row as stored after a transition.
type TaskUpdated struct {
	Task persistence.Task
}

// TaskEventAppended carries one appended task event.
type TaskEventAppended struct {
	Event persistence.TaskEvent
}

// RegistryRebuilt is published after a new handler snapshot is installed.
type RegistryRebuilt struct {
	Handlers int    `json:"handlers"`
	Types    int    `json:"types"`
	Reason   string `json:"reason"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	onDrop func(topic string)
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// OnDrop registers a callback invoked whenever an event is dropped because a
// subscriber's buffer is full. It must not block.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
				if b.onDrop != nil {
					b.onDrop(topic)
				}
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
