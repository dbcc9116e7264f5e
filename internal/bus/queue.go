package bus

import (
	"log/slog"
	"sync"
)

// SubscriptionID identifies a subscriber for Unsubscribe.
type SubscriptionID uint64

type subscriber struct {
	name  string
	fn    func(Event)
	queue chan Event
	done  chan struct{}
}

func (s *subscriber) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.fn(ev)
	}
}

// NotificationBus fans session events out to any number of subscribers.
// Each subscriber is fed from its own buffered queue by its own goroutine, so
// a slow subscriber only ever delays itself.
type NotificationBus struct {
	subs    map[SubscriptionID]*subscriber
	nextID  SubscriptionID
	mu      sync.RWMutex
	bufSize int
}

// NewNotificationBus creates a bus whose per-subscriber queues hold bufSize
// events. If bufSize is 0, defaults to 64.
func NewNotificationBus(bufSize int) *NotificationBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &NotificationBus{
		subs:    make(map[SubscriptionID]*subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers fn to receive every event published from now on.
// The name is only used in log lines.
func (b *NotificationBus) Subscribe(name string, fn func(Event)) SubscriptionID {
	s := &subscriber{
		name:  name,
		fn:    fn,
		queue: make(chan Event, b.bufSize),
		done:  make(chan struct{}),
	}
	go s.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	return id
}

// Unsubscribe detaches a subscriber. Events already queued for it are still
// delivered; Unsubscribe does not wait for them. Unknown IDs are ignored.
func (b *NotificationBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(s.queue)
	}
}

// Publish hands ev to every attached subscriber without blocking. A
// subscriber whose queue is full misses the event.
func (b *NotificationBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.queue <- ev:
		default:
			slog.Warn("bus: subscriber queue full, dropping event", "subscriber", s.name, "kind", ev.Kind)
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *NotificationBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and waits for their queues to drain.
func (b *NotificationBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
	}
	for _, s := range subs {
		<-s.done
	}
}
