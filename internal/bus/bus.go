package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Lifecycle topics published by the store and the queue processor.
const (
	TopicRequestCreated   = "request.created"
	TopicRequestCancelled = "request.cancelled"
	TopicResponseCreated  = "response.created"
	TopicQueueEnqueued    = "queue.enqueued"
	TopicQueueSent        = "queue.sent"
	TopicQueueRescheduled = "queue.rescheduled"
	TopicQueueFailed      = "queue.failed"
	TopicLeaseAcquired    = "lease.acquired"
)

// RequestEvent is published when a request is created or auto-cancelled.
type RequestEvent struct {
	RequestID string
	AgentID   string
	Status    string
}

// ResponseEvent is published when a response row is created.
type ResponseEvent struct {
	RequestID string
	Cancelled bool
}

// QueueEvent is published for message queue item transitions.
type QueueEvent struct {
	ItemID   string
	ConvType string
	ConvID   string
	Attempts int
}

// LeaseEvent is published when a worker wins or renews the queue lease.
type LeaseEvent struct {
	LeaseKey  string
	HolderID  string
	ExpiresAt time.Time
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
// It feeds the console layer; every publisher tolerates a nil Bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	b.nextID++
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

// Publish sends an event to all subscriptions whose prefix matches the topic.
// Sends are non-blocking: a full subscriber channel drops the event.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}
