package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topic names pushed to dashboard subscribers.
const (
	TopicStatsUpdate      = "stats:update"
	TopicPositionsUpdate  = "positions:update"
	TopicTradeNew         = "trade:new"
	TopicTradeClosed      = "trade:closed"
	TopicDecisionNew      = "decision:new"
	TopicMarketUpdate     = "market:update"
	TopicBacktestProgress = "backtest:progress"
	TopicBacktestStatus   = "backtest:status"
	TopicBacktestComplete = "backtest:complete"
)

// Event is one push message.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscriber receives events on C. The queue is bounded; when it fills the
// oldest event is dropped so the publisher never blocks.
type Subscriber struct {
	C  chan Event
	id int
}

// Bus is a non-blocking fan-out broadcaster. Publishers never wait on slow
// subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscriber
	nextID  int
	queue   int
	dropped uint64
	logger  zerolog.Logger
}

// NewBus creates a bus whose subscribers buffer up to queueSize events.
func NewBus(queueSize int, logger zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:   make(map[int]*Subscriber),
		queue:  queueSize,
		logger: logger,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{C: make(chan Event, b.queue), id: b.nextID}
	b.subs[sub.id] = sub
	b.nextID++
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.C)
	}
}

// Publish fans the event out to every subscriber, dropping the oldest
// queued event per subscriber when full.
func (b *Bus) Publish(eventType string, data interface{}) {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			// Full queue: evict the oldest and retry once.
			select {
			case <-sub.C:
				b.dropped++
			default:
			}
			select {
			case sub.C <- ev:
			default:
				b.dropped++
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped due to backpressure.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
