// internal/broadcast/broadcast.go

// Package broadcast delivers membership events to realtime subscribers. A Hub fans events
// out inside one process; RedisPublisher and Relay carry them between instances.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Topics.
const (
	GlobalTopic = "lobbies"
)

// LobbyTopic is the per-lobby topic.
func LobbyTopic(id int64) string {
	return fmt.Sprintf("lobby:%d", id)
}

// PartyTopic is the per-party topic.
func PartyTopic(id int64) string {
	return fmt.Sprintf("party:%d", id)
}

// Event names.
const (
	LobbyCreated           = "lobby_created"
	LobbyUpdated           = "lobby_updated"
	LobbyDeleted           = "lobby_deleted"
	LobbyMembershipChanged = "lobby_membership_changed"
	LobbyHostChanged       = "lobby_host_changed"
	PartyUpdated           = "party_updated"
	PartyDisbanded         = "party_disbanded"
)

// Event is one published notification.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Topic   string    `json:"topic"`
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// NewEvent stamps a fresh event.
func NewEvent(topic, name string, payload any) Event {
	return Event{
		ID:      uuid.New(),
		Topic:   topic,
		Name:    name,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Publisher is what the services publish through.
type Publisher interface {
	Publish(ctx context.Context, topic, name string, payload any) error
}

// Subscription receives events for one topic until closed.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	topic string
	hub   *Hub
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is an in-process topic fan-out. Slow subscribers lose events rather than block
// publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *logrus.Entry
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger.WithField("component", "broadcast"),
	}
}

// Subscribe registers a subscriber on topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, topic: topic, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.topic)
		}
	}
	close(s.ch)
}

// Publish delivers a new event to local subscribers of topic.
func (h *Hub) Publish(_ context.Context, topic, name string, payload any) error {
	h.Deliver(NewEvent(topic, name, payload))
	return nil
}

// Deliver hands ev to every local subscriber of ev.Topic without blocking.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.Topic] {
		select {
		case s.ch <- ev:
		default:
			h.log.WithFields(logrus.Fields{"topic": ev.Topic, "event": ev.Name}).
				Warn("subscriber buffer full, dropped event")
		}
	}
}

// Subscribers returns the number of local subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

var _ Publisher = (*Hub)(nil)
