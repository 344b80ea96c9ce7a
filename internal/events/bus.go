// Package events is a best-effort publish/subscribe bus for navigation, status,
// error, screenshot and task events. Delivery is at most once per connected
// subscriber and late joiners get no replay.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// DefaultBuffer is the channel capacity used when Subscribe is given a non-positive size
const DefaultBuffer = 64

var subscriptionCounter atomic.Int64

// Sink receives events synchronously. Returning an error unsubscribes it.
type Sink func(models.Event) error

// Subscription is a channel-backed subscriber. C is closed when the subscription ends.
type Subscription struct {
	ID string
	C  <-chan models.Event
}

type subscriber struct {
	ch   chan models.Event
	sink Sink
}

// Bus fans events out to subscribers
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBus creates an empty bus. logger and m may be nil.
func NewBus(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string]*subscriber),
		logger:  logger.With(zap.String("component", "event_bus")),
		metrics: m,
	}
}

func nextID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, subscriptionCounter.Add(1))
}

// Subscribe opens a buffered channel subscription.
// A subscriber whose buffer is full when an event arrives is dropped.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan models.Event, buffer)
	id := nextID("sub")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription{ID: id, C: ch}
	}
	b.subs[id] = &subscriber{ch: ch}
	b.metrics.SetSubscribers(len(b.subs))
	return &Subscription{ID: id, C: ch}
}

// SubscribeFunc registers a synchronous sink and returns its id
func (b *Bus) SubscribeFunc(sink Sink) string {
	id := nextID("sink")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	b.subs[id] = &subscriber{sink: sink}
	b.metrics.SetSubscribers(len(b.subs))
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) bool {
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	if sub.ch != nil {
		close(sub.ch)
	}
	b.metrics.SetSubscribers(len(b.subs))
	return true
}

// Publish delivers evt to every subscriber and returns how many received it.
// A failed delivery removes only the failing subscriber.
func (b *Bus) Publish(evt models.Event) int {
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	if evt.Timestamp.IsZero() {
		evt = models.NewEvent(evt.Type, evt.Data)
	}

	delivered := 0
	var sinks []string
	var sinkFns []Sink

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	for id, sub := range b.subs {
		if sub.sink != nil {
			sinks = append(sinks, id)
			sinkFns = append(sinkFns, sub.sink)
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
			b.logger.Warn("subscriber buffer full, dropping subscriber", zap.String("subscriber", id))
			b.removeLocked(id)
			b.metrics.RecordDroppedSubscriber()
		}
	}
	b.mu.Unlock()

	var failed []string
	for i, sink := range sinkFns {
		if err := callSink(sink, evt); err != nil {
			b.logger.Warn("subscriber send failed, dropping subscriber",
				zap.String("subscriber", sinks[i]), zap.Error(err))
			failed = append(failed, sinks[i])
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			if b.removeLocked(id) {
				b.metrics.RecordDroppedSubscriber()
			}
		}
		b.mu.Unlock()
	}
	return delivered
}

// Emit is shorthand for publishing a freshly stamped event
func (b *Bus) Emit(t models.EventType, data map[string]any) int {
	return b.Publish(models.NewEvent(t, data))
}

// Count returns the number of connected subscribers
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.removeLocked(id)
	}
}

func callSink(sink Sink, evt models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return sink(evt)
}
