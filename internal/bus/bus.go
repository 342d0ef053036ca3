// Package bus provides the in-process event fabric: a synchronous typed
// fan-out bus and a topic bridge that republishes every event to firehose,
// per-session, and per-type topics with bounded per-subscriber mailboxes.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/miosa-osa/osa/pkg/models"
)

// Handler receives one event. Handlers run synchronously inside the
// publishing goroutine and must be fast (enqueue and return); a slow
// handler delays the producer.
type Handler func(models.Event)

// wildcard subscribes a handler to every event type.
const wildcard models.EventType = "*"

type registration struct {
	id uint64
	fn Handler
}

// handlerTable is immutable once published; mutations copy the whole map.
type handlerTable map[models.EventType][]registration

// Bus is a synchronous publish/subscribe fan-out over typed events.
// Publication walks a copy-on-write handler table, so publishing never
// contends with subscription changes. A panicking handler is isolated and
// logged; it never aborts the producer or sibling handlers.
type Bus struct {
	mu     sync.Mutex // serializes table mutations
	table  atomic.Pointer[handlerTable]
	nextID atomic.Uint64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler panic reports.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	empty := make(handlerTable)
	b.table.Store(&empty)
	return b
}

// Subscribe registers a handler for one event type. The returned function
// removes the registration; calling it more than once is harmless.
func (b *Bus) Subscribe(typ models.EventType, fn Handler) func() {
	return b.subscribe(typ, fn)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.subscribe(wildcard, fn)
}

func (b *Bus) subscribe(typ models.EventType, fn Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	next := b.cloneTable()
	next[typ] = append(next[typ], registration{id: id, fn: fn})
	b.table.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(typ, id) })
	}
}

func (b *Bus) unsubscribe(typ models.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.cloneTable()
	regs := next[typ]
	kept := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(next, typ)
	} else {
		next[typ] = kept
	}
	b.table.Store(&next)
}

// cloneTable copies the current table. Callers must hold mu.
func (b *Bus) cloneTable() handlerTable {
	cur := *b.table.Load()
	next := make(handlerTable, len(cur)+1)
	for typ, regs := range cur {
		next[typ] = regs
	}
	return next
}

// Publish fans the event out to every handler registered for its type and
// to wildcard handlers, in registration order, synchronously.
func (b *Bus) Publish(ev models.Event) {
	table := *b.table.Load()
	for _, r := range table[ev.Type] {
		b.invoke(r.fn, ev)
	}
	for _, r := range table[wildcard] {
		b.invoke(r.fn, ev)
	}
}

func (b *Bus) invoke(fn Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(ev)
}
