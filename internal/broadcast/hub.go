// Package broadcast publishes live updates (events, alerts, anomalies and
// connection status) to in-process subscribers and stream clients.
//
// Publishing never blocks. A subscriber whose buffer is full loses the
// message and the drop is counted.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/logging"
)

var log = logging.Component("broadcast")

// Topics.
const (
	TopicEvents    = "events"
	TopicAlerts    = "alerts"
	TopicAnomalies = "anomalies"
	TopicStatus    = "status"
)

// Topics lists every topic.
var Topics = []string{TopicEvents, TopicAlerts, TopicAnomalies, TopicStatus}

// Publisher is the fire-and-forget side of the hub.
type Publisher interface {
	Publish(topic string, payload any)
}

// Message is one published update.
type Message struct {
	Topic   string
	Seq     uint64
	Time    time.Time
	Payload any
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription receives messages for a set of topics.
//
// Subscription is safe for concurrent use.
type Subscription struct {
	ID     uint64
	topics map[string]struct{} // empty means all

	mu     sync.RWMutex
	ch     chan Message
	closed atomic.Bool
	once   sync.Once

	dropped atomic.Int64
	hub     *Hub
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Wants reports whether the subscription covers topic.
func (s *Subscription) Wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Dropped returns how many messages were lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) deliver(m Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- m:
	default:
		s.dropped.Add(1)
		s.hub.dropped.Add(1)
	}
}

// Close ends the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.ID)
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
	})
}

// =============================================================================
// Hub
// =============================================================================

// Hub fans published messages out to subscriptions.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int

	seq       atomic.Uint64
	published atomic.Int64
	dropped   atomic.Int64

	now func() time.Time
}

// NewHub creates a hub. buffer is the per-subscription channel size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = config.DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe registers a subscription for topics. No topics means all.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{
		ID:     h.nextID,
		topics: set,
		ch:     make(chan Message, h.buffer),
		hub:    h,
	}
	h.subs[s.ID] = s
	log.Debug("subscribed", "id", s.ID, "topics", topics)
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Publish implements Publisher.
func (h *Hub) Publish(topic string, payload any) {
	m := Message{
		Topic:   topic,
		Seq:     h.seq.Add(1),
		Time:    h.now(),
		Payload: payload,
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.Wants(topic) {
			s.deliver(m)
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}

// Stats holds hub statistics.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// Stats returns current statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, any) {}
