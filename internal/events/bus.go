// Package events carries typed domain events from the coordinators to
// whoever listens: websocket sessions, the NATS bridge, tests.
package events

import (
	"sync"
	"time"

	"github.com/coderspae/arena/internal/arena"
)

type Kind string

const (
	OfferCreated     Kind = "offer.created"
	OfferAccepted    Kind = "offer.accepted"
	OfferRejected    Kind = "offer.rejected"
	OfferExpired     Kind = "offer.expired"
	MessageDelivered Kind = "message.delivered"
	RoomMemberJoined Kind = "room.memberJoined"
	RoomMemberLeft   Kind = "room.memberLeft"
	PresenceChanged  Kind = "presence.changed"
)

// Event is published on the bus. Payload is one of OfferPayload,
// DeliveryPayload, MembershipPayload or PresencePayload.
type Event struct {
	Kind     Kind      `json:"kind"`
	EntityID string    `json:"entityId"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload"`
}

type OfferPayload struct {
	Offer arena.Offer `json:"offer"`
}

type DeliveryPayload struct {
	Message     arena.Message `json:"message"`
	Recipients  []string      `json:"recipients"`
	Connections int           `json:"connections"`
}

type MembershipPayload struct {
	Room        string `json:"room"`
	UserID      string `json:"userId"`
	OnlineCount int    `json:"onlineCount"`
}

type PresencePayload struct {
	UserID   string               `json:"userId"`
	Previous arena.PresenceStatus `json:"previous"`
	Status   arena.PresenceStatus `json:"status"`
}

// Publisher is what the coordinators depend on.
type Publisher interface {
	Publish(Event)
}

// Sink receives every event synchronously from Publish. Sinks must not block.
type Sink interface {
	Publish(Event)
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

// Bus is an in-process pub/sub keyed by event kind.
type Bus struct {
	mu    sync.RWMutex
	subs  map[*subscriber]struct{}
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		subs:  make(map[*subscriber]struct{}),
		sinks: sinks,
	}
}

// Subscribe returns a channel receiving events of the given kinds, or of
// every kind when none are given. Call cancel to release it.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish fans the event out to subscribers and sinks.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	for s := range b.subs {
		if s.kinds != nil {
			if _, ok := s.kinds[e.Kind]; !ok {
				continue
			}
		}
		select {
		case s.ch <- e:
		default:
			// Drop if subscriber is slow.
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink.Publish(e)
	}
}

// AddSink registers a sink after construction.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}
