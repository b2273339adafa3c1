package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOut(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(TopicTradeNew, "payload")

	evA := <-a.C
	evB := <-b.C
	assert.Equal(t, TopicTradeNew, evA.Type)
	assert.Equal(t, "payload", evA.Data)
	assert.Equal(t, evA.Type, evB.Type)
	assert.False(t, evA.Timestamp.IsZero())
}

func TestPublisherNeverBlocks(t *testing.T) {
	bus := NewBus(2, zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicStatsUpdate, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2, zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(TopicStatsUpdate, 1)
	bus.Publish(TopicStatsUpdate, 2)
	bus.Publish(TopicStatsUpdate, 3) // evicts 1

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, 2, first.Data, "oldest event must be the one dropped")
	assert.Equal(t, 3, second.Data)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestPublishAfterUnsubscribeReachesNobody(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(TopicTradeNew, "gone")
	assert.Equal(t, uint64(0), bus.Dropped())
}
