package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// DefaultBufferLimit bounds the offline event buffer. Events beyond the
// limit drop the oldest entry first; the sync ledger re-derives any work
// lost this way on the next reconciliation.
const DefaultBufferLimit = 1000

// Handler receives a dispatched event. Handlers run synchronously on the
// emitting goroutine; long work belongs behind async.Dispatch.
type Handler func(ctx context.Context, ev *model.SyncEvent)

type subscriber struct {
	id      int
	types   map[types.EventType]bool
	handler Handler
}

// Bus is an in-process typed pub/sub with offline buffering. While
// offline, emitted events queue instead of dispatching; GoOnline replays
// them in FIFO order behind a synthetic connectivity event.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers []*subscriber
	offline     bool
	buffer      []*model.SyncEvent
	limit       int
}

// Option configures a Bus
type Option func(*Bus)

// WithBufferLimit overrides the offline buffer bound
func WithBufferLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.limit = n
		}
	}
}

// New creates an event bus in the online state
func New(opts ...Option) *Bus {
	b := &Bus{limit: DefaultBufferLimit}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event types and returns an
// unsubscribe function. Subscribing with no types receives everything.
func (b *Bus) Subscribe(handler Handler, eventTypes ...types.EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		handler: handler,
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}
	b.subscribers = append(b.subscribers, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches an event to matching subscribers, or buffers it while
// offline
func (b *Bus) Emit(ctx context.Context, ev *model.SyncEvent) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}

	b.mu.Lock()
	if b.offline {
		if len(b.buffer) >= b.limit {
			dropped := b.buffer[0]
			b.buffer = b.buffer[1:]
			logging.From(ctx).Warn("offline event buffer full, dropping oldest event",
				"type", dropped.Type,
				"entity_id", dropped.EntityID,
			)
		}
		b.buffer = append(b.buffer, ev)
		b.mu.Unlock()
		return
	}
	subs := b.matching(ev.Type)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(ctx, ev)
	}
}

func (b *Bus) matching(t types.EventType) []*subscriber {
	var subs []*subscriber
	for _, s := range b.subscribers {
		if s.types == nil || s.types[t] {
			subs = append(subs, s)
		}
	}
	return subs
}

// GoOffline switches the bus to buffering mode
func (b *Bus) GoOffline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = true
}

// GoOnline switches back to dispatching and replays the buffer in FIFO
// order, preceded by a synthetic connectivity event so sync subscribers
// wake up before the replayed work arrives.
func (b *Bus) GoOnline(ctx context.Context) {
	b.mu.Lock()
	if !b.offline {
		b.mu.Unlock()
		return
	}
	b.offline = false
	buffered := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	logging.From(ctx).Info("connectivity restored, replaying buffered events",
		"buffered", len(buffered),
	)

	b.Emit(ctx, &model.SyncEvent{
		Type:        types.EventConnectivityRestored,
		TimestampMs: time.Now().UnixMilli(),
	})
	for _, ev := range buffered {
		b.Emit(ctx, ev)
	}
}

// Offline reports whether the bus is currently buffering
func (b *Bus) Offline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offline
}

// BufferedCount returns the number of events held in the offline buffer
func (b *Bus) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
