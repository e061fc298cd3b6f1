package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/playscope/pkg/models"
)

// DefaultBufferSize is the default per-subscriber buffer
const DefaultBufferSize = 64

// EventType identifies the kind of job change
type EventType string

const (
	EventJobUpdated EventType = "job.updated"
	EventJobDeleted EventType = "job.deleted"
)

// JobEvent carries the post-change state of a job
type JobEvent struct {
	Type      EventType   `json:"type"`
	Job       *models.Job `json:"job"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher is the write side of the broker
type Publisher interface {
	Publish(evt JobEvent)
}

// Subscription receives events until it is closed
type Subscription struct {
	id     uint64
	ch     chan JobEvent
	broker *Broker
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan JobEvent { return s.ch }

// Close removes the subscription from the broker
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans job events out to any number of subscribers.
// Publish never blocks: events for a subscriber with a full buffer are dropped.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	onDrop    func()
}

// Option configures a Broker
type Option func(*Broker)

// WithDropHook registers a callback invoked for every dropped delivery
func WithDropHook(fn func()) Option {
	return func(b *Broker) { b.onDrop = fn }
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber with the given buffer size
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan JobEvent, buffer), broker: b}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish delivers evt to every subscriber without blocking
func (b *Broker) Publish(evt JobEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
			b.published.Add(1)
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Close ends every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Stats contains broker counters
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns a snapshot of broker counters
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Subscribers: n,
		Delivered:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
