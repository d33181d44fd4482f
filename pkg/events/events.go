package events

import (
	"sync"
	"time"

	"github.com/stewardproject/steward/pkg/metrics"
)

// Topic names a fanout stream on the bus.
type Topic string

const (
	TopicIssues  Topic = "issues"
	TopicState   Topic = "state"
	TopicWorkers Topic = "workers"
	// TopicAll receives every published event regardless of topic. No
	// snapshot is delivered on subscribe.
	TopicAll Topic = "*"
)

// SessionTopic returns the per-issue transcript topic.
func SessionTopic(issueID string) Topic {
	return Topic("sessions/" + issueID)
}

// Event is one message on a topic. Data is a snapshot or delta payload;
// subscribers must treat it as read-only.
type Event struct {
	Topic Topic       `json:"topic"`
	Type  string      `json:"type"`
	TS    time.Time   `json:"ts"`
	Data  interface{} `json:"data"`
}

// subscriberBuffer bounds the per-subscriber backlog; a subscriber that
// falls this far behind is dropped rather than blocking publishers.
const subscriberBuffer = 256

// Subscriber receives events for one topic.
type Subscriber struct {
	C     <-chan *Event
	topic Topic
	ch    chan *Event
}

// Bus is a topic-based in-process broadcaster. Delivery is best-effort:
// it is not a durable queue, and per-topic ordering is preserved only for
// subscribers that keep up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscriber]struct{}
	latest map[Topic]*Event
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Topic]map[*Subscriber]struct{}),
		latest: make(map[Topic]*Event),
	}
}

// Subscribe registers a subscriber on topic. The most recent event on the
// topic, if any, is delivered first so late subscribers see current state.
func (b *Bus) Subscribe(topic Topic) *Subscriber {
	sub := &Subscriber{topic: topic, ch: make(chan *Event, subscriberBuffer)}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	if last := b.latest[topic]; last != nil {
		sub.ch <- last
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *Subscriber) {
	set := b.subs[sub.topic]
	if set == nil {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

// Publish broadcasts an event to all subscribers of its topic. Subscribers
// whose backlog is full are dropped.
func (b *Bus) Publish(ev *Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest[ev.Topic] = ev

	for _, topic := range []Topic{ev.Topic, TopicAll} {
		for sub := range b.subs[topic] {
			select {
			case sub.ch <- ev:
			default:
				b.remove(sub)
				metrics.SubscribersDropped.Inc()
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic]map[*Subscriber]struct{})
}

// SubscriberCount returns the number of active subscribers across topics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
