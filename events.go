package rehabflow

import (
	"sync"
	"time"

	"github.com/himo777777/Rehabflow-sub009/utils"
)

type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncError     EventType = "sync_error"
	EventItemSynced    EventType = "item_synced"
	EventItemDropped   EventType = "item_dropped"
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
	EventAgentNotice   EventType = "agent_notice"
)

// Event is one coordinator notification. Err carries a sanitized message
// only; raw errors never leave the sync layer through the bus.
type Event struct {
	Type         EventType
	At           time.Time
	SuccessCount int
	ErrorCount   int
	ItemID       string
	ItemKind     PayloadKind
	AgentType    AgentMessageType
	SessionID    string
	Err          string
}

// eventBus fans events out over per-subscriber buffered channels. Delivery
// is non-blocking: a stuck subscriber loses events but can never stall the
// coordinator or starve the other subscribers.
type eventBus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	next   uint64
	buffer int
	closed bool
	log    utils.Logger
}

func newEventBus(buffer int, log utils.Logger) *eventBus {
	if buffer <= 0 {
		buffer = 16
	}
	return &eventBus{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		log:    log,
	}
}

// subscribe returns a receive channel and a cancel func. Cancel is
// idempotent; the channel is closed on cancel or bus shutdown.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *eventBus) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event dropped for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
