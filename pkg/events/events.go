package events

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/oklog/ulid/v2"
)

// EventType represents the type of event
type EventType string

const (
	// EventJobAcquired fires once a job's container is running
	EventJobAcquired  EventType = "job.acquired"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	// EventStatusChanged carries a types.WorkerStatus payload
	EventStatusChanged EventType = "worker.status"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event represents something that happened inside the worker
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	ProcessingID string
	Message      string
	Payload      any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// filter is the set of types a subscriber asked for; nil means all.
type filter map[EventType]struct{}

func (f filter) accepts(t EventType) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}

// Broker fans published events out to subscribers from a single goroutine.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]filter
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Queued events are discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are given.
func (b *Broker) Subscribe(eventTypes ...EventType) Subscriber {
	var f filter
	if len(eventTypes) > 0 {
		f = make(filter, len(eventTypes))
		for _, t := range eventTypes {
			f[t] = struct{}{}
		}
	}

	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subscribers[sub] = f
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is harmless.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps the event with an ID and timestamp if missing and queues it.
// After Stop the event is discarded.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.accepts(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
