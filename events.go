package datasync

import "sync"

// EventType identifies a synchronization progress event.
type EventType int

// Event types, in rough lifecycle order.
const (
	EventPullStarted EventType = iota + 1
	EventItemsFetched
	EventItemsCommitted
	EventPullEnded
	EventLocalException
)

func (t EventType) String() string {
	switch t {
	case EventPullStarted:
		return "pull_started"
	case EventItemsFetched:
		return "items_fetched"
	case EventItemsCommitted:
		return "items_committed"
	case EventPullEnded:
		return "pull_ended"
	case EventLocalException:
		return "local_exception"
	default:
		return "unknown"
	}
}

// Event is one best-effort progress notification. ItemsProcessed is
// cumulative for the query; TotalItems is the server-reported count
// when requested, otherwise zero.
type Event struct {
	Type           EventType
	QueryID        string
	EntityType     string
	ItemsProcessed int
	TotalItems     int64
	Err            error
}

// EventHandler receives events synchronously on the engine's calling
// goroutine; handlers must not block.
type EventHandler func(Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (b *eventBus) subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
