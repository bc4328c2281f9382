package api

import (
	"sync"
	"time"
)

// Subscription is one observer's feed of events. Events arrive on C until
// Unsubscribe or the broadcaster closes; C is closed afterwards.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	topics   map[Topic]bool
	entityID string
	cancel   func()
	once     sync.Once
}

// Unsubscribe detaches the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *Subscription) wants(ev Event) bool {
	if len(s.topics) > 0 && !s.topics[ev.Topic] {
		return false
	}
	if s.entityID != "" && ev.EntityID != s.entityID && ev.WorkflowID != s.entityID {
		return false
	}
	return true
}

// Broadcaster fans out state-transition events to subscribed observers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event rather than stalling the engine.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster whose subscriptions buffer up to
// buffer events each. buffer <= 0 defaults to 64.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers an observer for the given topics. No topics means all
// topics.
func (b *Broadcaster) Subscribe(topics ...Topic) *Subscription {
	return b.SubscribeEntity("", topics...)
}

// SubscribeEntity is like Subscribe but additionally filters by entity:
// only events whose EntityID or WorkflowID equals entityID are delivered.
func (b *Broadcaster) SubscribeEntity(entityID string, topics ...Topic) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		C:        ch,
		ch:       ch,
		entityID: entityID,
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	sub.cancel = func() { b.drop(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscription without blocking.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than stall.
		}
	}
}

// Close closes all subscriptions. Further publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
