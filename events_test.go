package rehabflow

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/himo777777/Rehabflow-sub009/utils"
)

func testBus(buffer int) *eventBus {
	return newEventBus(buffer, utils.NewDefaultLogger(slog.LevelError))
}

func TestEventBus_FanOut(t *testing.T) {
	bus := testBus(4)
	a, cancelA := bus.subscribe()
	b, cancelB := bus.subscribe()
	defer cancelA()
	defer cancelB()

	bus.emit(Event{Type: EventSyncStarted})
	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSyncStarted, ev.Type)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestEventBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := testBus(1)
	stuck, cancelStuck := bus.subscribe()
	defer cancelStuck()
	live, cancelLive := bus.subscribe()
	defer cancelLive()

	// fill the stuck subscriber's buffer, then keep emitting
	for i := 0; i < 5; i++ {
		bus.emit(Event{Type: EventItemSynced, ItemID: "x"})
		// keep the live subscriber drained
		select {
		case <-live:
		case <-time.After(time.Second):
			t.Fatal("live subscriber starved")
		}
	}
	// the stuck subscriber kept only what its buffer held
	assert.Len(t, stuck, 1)
}

func TestEventBus_CancelIsIdempotent(t *testing.T) {
	bus := testBus(1)
	ch, cancel := bus.subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// emitting after cancel must not panic or deliver
	bus.emit(Event{Type: EventOnline})
}

func TestEventBus_CloseEndsSubscribers(t *testing.T) {
	bus := testBus(1)
	ch, cancel := bus.subscribe()
	bus.close()
	bus.close()

	_, open := <-ch
	assert.False(t, open)
	cancel() // after close, cancel is a harmless no-op

	// a late subscriber gets an already-closed channel
	late, _ := bus.subscribe()
	_, open = <-late
	require.False(t, open)
}
