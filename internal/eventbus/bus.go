// Package eventbus fans dispatch lifecycle events out to in-process
// subscribers (activity log, websocket feed, audit).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event topics published by the dispatcher.
const (
	TopicBroadcastScheduled = "broadcast.scheduled"
	TopicBroadcastCancelled = "broadcast.cancelled"
	TopicBroadcastStarted   = "broadcast.started"
	TopicBroadcastFinished  = "broadcast.finished"
	TopicDelivery           = "delivery"
	TopicRetryLimit         = "retry.limit"
	TopicAutoReply          = "autoreply"
)

// Event is a small in-memory signal. Data should be JSON-serializable so the
// websocket feed can forward it as is.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus delivers events without blocking the publisher. A slow subscriber
// loses events once its buffer is full.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
