package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data,omitempty"`
	Module    string    `json:"module"`
}

// subscriberBuffer is the per-subscriber channel depth. Delivery never blocks
// the emitter: when a subscriber's buffer is full the oldest event is dropped
// and a drop counter is incremented.
const subscriberBuffer = 256

// Bus fans events out to subscribers. Subscriptions are per event type or
// wildcard (all types).
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]chan Event
	allSubs []chan Event
	dropped map[EventType]uint64
	log     zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs:    make(map[EventType][]chan Event),
		dropped: make(map[EventType]uint64),
		log:     log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe returns a channel receiving events of the given type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a channel receiving every event.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.allSubs = append(b.allSubs, ch)
	b.mu.Unlock()
	return ch
}

// Emit publishes an event to all matching subscribers.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs[event.Type])+len(b.allSubs))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.allSubs...)
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// Full buffer: drop the oldest so subscribers always see the
			// newest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
			b.mu.Lock()
			b.dropped[event.Type]++
			b.mu.Unlock()
		}
	}
}

// DroppedCount returns the number of dropped deliveries for an event type.
func (b *Bus) DroppedCount(eventType EventType) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[eventType]
}
