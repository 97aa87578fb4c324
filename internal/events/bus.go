package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 256

	// EventTypeStarted identifies session start events.
	EventTypeStarted = "claude:started"
	// EventTypeProgress identifies one stdout line of a supervised process.
	EventTypeProgress = "claude:progress"
	// EventTypeError identifies one stderr line of a supervised process.
	EventTypeError = "claude:error"
	// EventTypeComplete identifies the terminal event of a session.
	EventTypeComplete = "claude:complete"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	Payload   any
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Publisher is the emit side of the bus used by producers.
type Publisher interface {
	Publish(event Event)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Publisher
	Subscribe(eventType string, handler Handler) func()
	SubscribeAll(handler Handler) func()
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
// Publish never blocks: a subscriber whose buffer is full loses the event,
// except EventTypeComplete, which is queued behind the buffer instead.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id       uint64
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once

	// mu orders sends to ch against the overflow queue.
	mu       sync.Mutex
	overflow []Event
	wake     chan struct{}
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type and returns a
// function that removes it.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)

	return func() {
		b.mu.Lock()
		b.typedSubs[normalizedType] = without(b.typedSubs[normalizedType], sub)
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)

	return func() {
		b.mu.Lock()
		b.wildcardSubs = without(b.wildcardSubs, sub)
		b.mu.Unlock()
		sub.stop()
	}
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case <-sub.done:
		return
	default:
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	// Once anything overflowed, later events go behind it to keep order.
	if len(sub.overflow) == 0 {
		select {
		case sub.ch <- event:
			return
		default:
		}
	}
	if event.Type == EventTypeComplete {
		sub.overflow = append(sub.overflow, event)
		select {
		case sub.wake <- struct{}{}:
		default:
		}
		return
	}
	b.logger.Printf(
		"events: dropping event for subscriber=%d type=%s session_id=%s",
		sub.id,
		event.Type,
		event.SessionID,
	)
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id:   id,
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			handler(event)
		case <-sub.wake:
			for _, event := range sub.takeBacklog() {
				handler(event)
			}
		}
	}
}

// takeBacklog empties the buffer and then the overflow queue, in that order.
func (s *subscriber) takeBacklog() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := make([]Event, 0, len(s.ch)+len(s.overflow))
	for len(s.ch) > 0 {
		backlog = append(backlog, <-s.ch)
	}
	backlog = append(backlog, s.overflow...)
	s.overflow = nil
	return backlog
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func without(subs []*subscriber, target *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
