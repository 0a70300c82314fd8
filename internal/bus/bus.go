package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 1000

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 100
)

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID string

// subscriber is one registered handler with its delivery channel.
// An empty event type means the subscriber receives everything.
type subscriber struct {
	id      SubscriptionID
	event   EventType
	handler func(Event)
	ch      chan Event
	done    chan struct{}
}

// Bus is a thread-safe pub/sub hub with wildcard support and event history.
// Publish never blocks: when a subscriber's channel is full the event is
// dropped for that subscriber, which keeps the workflow hot path free of
// observability back-pressure.
type Bus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber
	nextID atomic.Uint64

	// History is a fixed-size ring: ring[head] is the oldest retained event
	// and count is how many slots are filled.
	histMu sync.Mutex
	ring   []Event
	head   int
	count  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates a bus retaining DefaultHistorySize events.
func NewBus() *Bus {
	return NewBusWithConfig(DefaultHistorySize)
}

// NewBusWithConfig creates a bus retaining historySize events.
func NewBusWithConfig(historySize int) *Bus {
	if historySize < 1 {
		historySize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[SubscriptionID]*subscriber),
		ring:   make([]Event, historySize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler for one event type, or for every event when
// eventType is empty. Returns the subscription's ID, or an empty ID when the
// bus is closed. The handler runs on a dedicated goroutine, so a slow
// handler delays only its own subscription.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	sub := &subscriber{
		id:      SubscriptionID("sub_" + strconv.FormatUint(b.nextID.Add(1), 10)),
		event:   eventType,
		handler: handler,
		ch:      make(chan Event, DefaultChannelBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(sub)

	return sub.id
}

// pump delivers queued events to one subscriber until it is removed or the
// bus shuts down.
func (b *Bus) pump(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			sub.handler(ev)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	close(sub.done)
	return nil
}

// Publish records the event in history and offers it to every matching
// subscriber without blocking.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.remember(event)

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.event != "" && sub.event != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber backlog full; drop rather than block.
		}
	}
	b.mu.RUnlock()

	return nil
}

// remember appends the event to the history ring, overwriting the oldest
// retained event once the ring is full.
func (b *Bus) remember(event Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if b.count < len(b.ring) {
		b.ring[(b.head+b.count)%len(b.ring)] = event
		b.count++
		return
	}
	b.ring[b.head] = event
	b.head = (b.head + 1) % len(b.ring)
}

// GetHistory returns a copy of the retained events, oldest first.
func (b *Bus) GetHistory() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, b.count)
	for i := range out {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// GetHistorySlice returns the most recent n events, oldest first.
// Requests larger than the retained history are clamped.
func (b *Bus) GetHistorySlice(n int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if n > b.count {
		n = b.count
	}
	out := make([]Event, n)
	start := b.count - n
	for i := range out {
		out[i] = b.ring[(b.head+start+i)%len(b.ring)]
	}
	return out
}

// SubscriptionsCount returns the number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	return nil
}
