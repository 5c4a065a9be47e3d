package event

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SubscriberQueueSize = 32
	AsyncQueueSize      = 1024
	AsyncWorkerPoolSize = 4
)

// Type names a class of event, e.g. "deal.state_changed".
type Type string

type SubscriberID int

type HandlerFunc func(Event)

// Event is an immutable notification emitted by a committed ledger call.
// Timestamp is the call's clock reading, not the wall clock.
type Event struct {
	Timestamp time.Time
	Type      Type
	Data      any
}

func New(eventType Type, timestamp time.Time, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: timestamp,
		Data:      data,
	}
}

type asyncEvent struct {
	eventType Type
	event     Event
}

// Bus fans events out to subscribers by type. A nil *Bus is valid and drops
// everything, so components can be built without one in tests.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[SubscriberID]*subscriber
	lastSubID   SubscriberID
	logger      *slog.Logger
	metrics     *busMetrics

	asyncQueue chan asyncEvent
	asyncWg    sync.WaitGroup
	stopCh     chan struct{}
	stopOnce   sync.Once
	stopped    bool
	stopMu     sync.RWMutex
}

func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &Bus{
		subscribers: make(map[Type]map[SubscriberID]*subscriber),
		logger:      logger,
		asyncQueue:  make(chan asyncEvent, AsyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	if promRegistry != nil {
		b.metrics = newBusMetrics(promRegistry)
	}
	for range AsyncWorkerPoolSize {
		b.asyncWg.Add(1)
		go b.asyncWorker()
	}
	return b
}

func (b *Bus) asyncWorker() {
	defer b.asyncWg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case ae := <-b.asyncQueue:
			b.Publish(ae.eventType, ae.event)
		}
	}
}

type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) deliver(evt Event) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event: deliver panic: %v", r)
		}
	}()
	s.ch <- evt
	return nil
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe returns a channel receiving every event of the given type. The
// channel is closed by Unsubscribe or Stop.
func (b *Bus) Subscribe(eventType Type) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, SubscriberQueueSize)}
	b.lastSubID++
	id := b.lastSubID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.subscribers[eventType][id] = sub
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return id, sub.ch
}

// SubscribeFunc runs handler on its own goroutine for each event of the type.
func (b *Bus) SubscribeFunc(eventType Type, handler HandlerFunc) SubscriberID {
	id, ch := b.Subscribe(eventType)
	go func() {
		for evt := range ch {
			handler(evt)
		}
	}()
	return id
}

func (b *Bus) Unsubscribe(eventType Type, id SubscriberID) {
	b.mu.Lock()
	var sub *subscriber
	if subs, ok := b.subscribers[eventType]; ok {
		if s, ok := subs[id]; ok {
			sub = s
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, eventType)
			}
			if b.metrics != nil {
				b.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
			}
		}
	}
	b.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Publish delivers evt synchronously to every subscriber of eventType.
// Subscribers whose delivery fails are dropped.
func (b *Bus) Publish(eventType Type, evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	type item struct {
		id  SubscriberID
		sub *subscriber
	}
	subs := b.subscribers[eventType]
	items := make([]item, 0, len(subs))
	for id, sub := range subs {
		items = append(items, item{id: id, sub: sub})
	}
	b.mu.RUnlock()

	for _, it := range items {
		if err := it.sub.deliver(evt); err != nil {
			b.Unsubscribe(eventType, it.id)
			if b.metrics != nil {
				b.metrics.deliveryErrors.WithLabelValues(string(eventType)).Inc()
			}
			b.logger.Debug(
				"event delivery error",
				"type", eventType,
				"err", err,
			)
		}
	}
	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

// PublishAsync queues evt for the worker pool. It reports false when the bus
// is stopped or the queue is full.
func (b *Bus) PublishAsync(eventType Type, evt Event) bool {
	if b == nil {
		return false
	}
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.asyncQueue <- asyncEvent{eventType: eventType, event: evt}:
		return true
	default:
		b.logger.Warn(
			"async event queue full, dropping event",
			"type", eventType,
		)
		if b.metrics != nil {
			b.metrics.deliveryErrors.WithLabelValues(string(eventType)).Inc()
		}
		return false
	}
}

// Stop halts the worker pool and closes every subscriber channel. A stopped
// bus still accepts synchronous Publish calls but has no subscribers left.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		close(b.stopCh)
		b.stopMu.Unlock()
		b.asyncWg.Wait()

		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[Type]map[SubscriberID]*subscriber)
		b.mu.Unlock()
		for _, byID := range subs {
			for _, sub := range byID {
				sub.close()
			}
		}
		if b.metrics != nil {
			b.metrics.subscribers.Reset()
		}
	})
}
