package event

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that falls this far behind starts losing events.
const DefaultSubscriberBuffer = 64

// Bus is an in-process publish/subscribe fabric keyed by channel name.
//
// Events are delivered as marshaled JSON so subscribers see exactly the
// wire format. Delivery is best-effort: a subscriber whose buffer is
// full has the event dropped with a warning log rather than blocking
// the publisher.
type Bus struct {
	log    *slog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string]map[int]chan []byte
	next int
}

// NewBus creates a Bus. A nil logger falls back to slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log,
		buffer: DefaultSubscriberBuffer,
		subs:   make(map[string]map[int]chan []byte),
	}
}

// Subscribe registers a subscriber on a channel and returns the message
// stream plus an unsubscribe function. Calling unsubscribe closes the
// stream; it is safe to call more than once.
func (b *Bus) Subscribe(channel string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan []byte, b.buffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[channel]; ok {
				if c, ok := set[id]; ok {
					delete(set, id)
					close(c)
				}
				if len(set) == 0 {
					delete(b.subs, channel)
				}
			}
		})
	}
	return ch, unsubscribe
}

// Publish implements Publisher. Marshal failures and slow subscribers
// are logged and otherwise ignored.
func (b *Bus) Publish(executionID uuid.UUID, ev Event) {
	channel := Channel(executionID)

	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("failed to marshal event", "channel", channel, "type", ev.Type, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			b.log.Warn("dropping event for slow subscriber", "channel", channel, "type", ev.Type)
		}
	}
}

// SubscriberCount reports how many subscribers a channel currently has.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
