// Package events provides an in-process publish/subscribe bus for
// orchestration lifecycle events. Delivery is non-blocking: each subscriber
// owns a buffered queue drained by its own goroutine, and events that do not
// fit are dropped rather than stalling the publisher.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies a class of events.
type Topic string

// Topics that can be subscribed to.
const (
	// TopicJobTransition fires whenever a job changes status.
	TopicJobTransition Topic = "job_transition"

	// TopicJobEnqueued fires when a job becomes workable and a step should
	// run soon. The job worker uses it as its wake-up trigger.
	TopicJobEnqueued Topic = "job_enqueued"

	// TopicSettingsChanged fires after a successful settings write.
	TopicSettingsChanged Topic = "settings_changed"

	// TopicToolExecuted fires after a tool call settles (ok or error).
	TopicToolExecuted Topic = "tool_executed"

	// TopicUIPatch fires when a job's UI-visible state changed enough to
	// warrant re-rendering.
	TopicUIPatch Topic = "ui_patch"
)

// Event is one bus notification.
type Event struct {
	// Topic is the event class.
	Topic Topic

	// JobID is the job the event concerns, if any.
	JobID string

	// Payload is an optional topic-specific JSON body.
	Payload json.RawMessage

	// OccurredAt is when the event was published.
	OccurredAt time.Time
}

// Handler is called for each delivered event. Handlers run on the
// subscriber's own goroutine, one event at a time.
type Handler func(event Event)

const defaultBuffer = 64

type subscription struct {
	id      int64
	topic   Topic
	ch      chan Event
	done    chan struct{}
	handler Handler
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu            sync.Mutex
	subscriptions map[Topic][]*subscription
	nextSubID     int64
	closed        bool

	dropped atomic.Int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscriptions: map[Topic][]*subscription{}}
}

// Subscribe registers handler for topic and returns an unsubscribe
// function. The handler runs on a dedicated goroutine with a buffered
// queue; when the queue is full, new events for this subscriber are
// dropped.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	return b.SubscribeBuffered(topic, defaultBuffer, handler)
}

// SubscribeBuffered is Subscribe with an explicit queue size.
func (b *Bus) SubscribeBuffered(topic Topic, buffer int, handler Handler) func() {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{
		topic:   topic,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	sub.id = b.nextSubID
	b.nextSubID++
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	b.mu.Unlock()

	go sub.run()

	return func() { b.unsubscribe(sub) }
}

func (s *subscription) run() {
	for event := range s.ch {
		s.handler(event)
	}
	close(s.done)
}

// unsubscribe removes the subscription and closes its queue. Events already
// queued still reach the handler; its goroutine exits once drained.
func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[target.topic]
	for i, sub := range subs {
		if sub.id == target.id {
			b.subscriptions[target.topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers event to every subscriber of its topic without
// blocking. Subscribers with a full queue miss the event.
func (b *Bus) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	// Sends are non-blocking, so holding the lock here is cheap and rules
	// out racing an unsubscribe's close of sub.ch.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions[event.Topic] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone and waits for in-flight handlers to return.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for topic, subs := range b.subscriptions {
		all = append(all, subs...)
		delete(b.subscriptions, topic)
	}
	for _, sub := range all {
		close(sub.ch)
	}
	b.mu.Unlock()

	for _, sub := range all {
		<-sub.done
	}
}
