package pipeline

import (
	"log"
	"sync"
	"time"
)

// Distributor is the in-process, last-value-wins frame broadcaster. It holds
// at most one frame and fans it out to subscribers through lossy single-slot
// mailboxes: a new frame overwrites an unread one, so the live view can never
// backpressure the reader.
type Distributor struct {
	mu         sync.RWMutex
	latest     *Frame
	subs       map[*FrameSubscription]bool
	frameCount uint64
}

// FrameSubscription is a handle to the distributor's frame feed.
type FrameSubscription struct {
	ch   chan *Frame
	done chan struct{}
}

// NewDistributor creates an empty distributor.
func NewDistributor() *Distributor {
	return &Distributor{
		subs: make(map[*FrameSubscription]bool),
	}
}

// Publish atomically replaces the latest-frame slot and wakes subscribers.
// Safe for concurrent callers, though the reader is the only producer.
func (d *Distributor) Publish(f *Frame) {
	if f == nil {
		return
	}

	d.mu.Lock()
	d.latest = f
	d.frameCount++
	d.mu.Unlock()

	d.mu.RLock()
	for sub := range d.subs {
		select {
		case sub.ch <- f:
		default:
			// Mailbox holds one unread frame; replace it with the newer one.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- f:
			default:
			}
		}
	}
	d.mu.RUnlock()
}

// Subscribe registers a new single-slot mailbox.
func (d *Distributor) Subscribe() *FrameSubscription {
	sub := &FrameSubscription{
		ch:   make(chan *Frame, 1),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.subs[sub] = true
	total := len(d.subs)
	d.mu.Unlock()

	log.Printf("[Distributor] New subscriber (total: %d)", total)
	return sub
}

// Unsubscribe removes a subscription. Idempotent.
func (d *Distributor) Unsubscribe(sub *FrameSubscription) {
	if sub == nil {
		return
	}

	d.mu.Lock()
	if _, ok := d.subs[sub]; ok {
		delete(d.subs, sub)
		close(sub.done)
	}
	remaining := len(d.subs)
	d.mu.Unlock()

	log.Printf("[Distributor] Unsubscribed (remaining: %d)", remaining)
}

// Latest returns a snapshot of the current slot. May be nil during the first
// moments of a session.
func (d *Distributor) Latest() *Frame {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest
}

// FrameCount returns the number of frames published so far.
func (d *Distributor) FrameCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.frameCount
}

// SubscriberCount returns the number of active subscriptions.
func (d *Distributor) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Next blocks until the next frame, the timeout, or unsubscription.
func (s *FrameSubscription) Next(timeout time.Duration) (*Frame, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-s.ch:
		return f, true
	case <-s.done:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Frames exposes the mailbox for select loops.
func (s *FrameSubscription) Frames() <-chan *Frame {
	return s.ch
}

// Done is closed when the subscription is removed.
func (s *FrameSubscription) Done() <-chan struct{} {
	return s.done
}
