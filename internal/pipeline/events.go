package pipeline

import (
	"sync"
	"time"
)

// EventType classifies pipeline events delivered on the bus.
type EventType string

const (
	EventInferenceCompleted EventType = "inference_completed"
	EventStatusUpdate       EventType = "status_update"
	EventStreamStatus       EventType = "stream_status"
	EventError              EventType = "error"
)

// Event is published by the reader and the scheduler and consumed by the
// delivery surface.
type Event struct {
	Type      EventType
	Record    *InferenceRecord // set for inference_completed
	Status    map[string]any   // set for status events
	Err       string           // set for error
	Timestamp time.Time
}

// EventBus provides pub/sub for pipeline events.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *Event
	handler func(*Event)
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for all events.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler func(*Event)) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events.
// The channel has the specified buffer size.
// Returns the channel and an unsubscribe function.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *Event, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers.
// Handlers are called synchronously to preserve ordering: inference results
// must reach the delivery surface in completion order.
func (b *EventBus) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler(e)
		} else if sub.channel != nil {
			select {
			case sub.channel <- e:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
