// Package events fans runtime events out to external subscribers.
//
// Delivery is at-most-once: Publish never blocks, and a subscriber whose
// buffer is full misses the event. Consumers that need every event read the
// persisted event log instead.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// DefaultBuffer is the subscription buffer used when Subscribe gets a
// non-positive size.
const DefaultBuffer = 256

// Filter selects the events a subscription receives.
type Filter func(models.RuntimeEvent) bool

// ForTask keeps events of a single task.
func ForTask(taskID string) Filter {
	return func(e models.RuntimeEvent) bool { return e.TaskID == taskID }
}

// OfType keeps events whose type is one of types.
func OfType(types ...models.RuntimeEventType) Filter {
	set := make(map[models.RuntimeEventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e models.RuntimeEvent) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Subscription is one consumer of the bus.
type Subscription struct {
	bus     *Bus
	id      uint64
	ch      chan models.RuntimeEvent
	filters []Filter
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close or Bus.Close.
func (s *Subscription) Events() <-chan models.RuntimeEvent {
	return s.ch
}

// Dropped reports how many matching events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

func (s *Subscription) matches(e models.RuntimeEvent) bool {
	for _, f := range s.filters {
		if f != nil && !f(e) {
			return false
		}
	}
	return true
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is a bounded, lossy broadcast of runtime events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	seq     atomic.Uint64
	closed  bool
	metrics *observability.Metrics
}

// NewBus creates an event bus. metrics may be nil.
func NewBus(metrics *observability.Metrics) *Bus {
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		metrics: metrics,
	}
}

// Subscribe registers a consumer. Events pass every filter to be delivered.
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(buffer int, filters ...Filter) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus:     b,
		ch:      make(chan models.RuntimeEvent, buffer),
		filters: filters,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish stamps the event with the next sequence number and delivers it to
// every matching subscriber without blocking. It returns the stamped event.
func (b *Bus) Publish(event models.RuntimeEvent) models.RuntimeEvent {
	event.Sequence = b.seq.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return event
	}

	dropped := 0
	for _, sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	b.metrics.RecordBusEvent(string(event.Type), dropped)
	return event
}

// Sequence returns the last sequence number assigned.
func (b *Bus) Sequence() uint64 {
	return b.seq.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChannel()
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.closeChannel()
	}
}
