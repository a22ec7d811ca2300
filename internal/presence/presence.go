// Package presence derives online, offline and in-battle status from
// connection events and battle signals.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/events"
)

// Change describes one status transition.
type Change struct {
	UserID   string               `json:"userId"`
	Previous arena.PresenceStatus `json:"previous"`
	Status   arena.PresenceStatus `json:"status"`
	At       time.Time            `json:"at"`
}

// Recorder receives every change after it is applied. Record must not block.
type Recorder interface {
	Record(Change)
}

type Tracker struct {
	logger    *slog.Logger
	pub       events.Publisher
	recorders []Recorder

	mu        sync.Mutex
	connected map[string]bool
	inBattle  map[string]bool
	status    map[string]arena.PresenceStatus
	subs      map[chan Change]struct{}
}

func NewTracker(logger *slog.Logger, pub events.Publisher, recorders ...Recorder) *Tracker {
	return &Tracker{
		logger:    logger,
		pub:       pub,
		recorders: recorders,
		connected: make(map[string]bool),
		inBattle:  make(map[string]bool),
		status:    make(map[string]arena.PresenceStatus),
		subs:      make(map[chan Change]struct{}),
	}
}

// StatusOf returns the user's current status; unknown users are offline.
func (t *Tracker) StatusOf(userID string) arena.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[userID]; ok {
		return s
	}
	return arena.PresenceOffline
}

// Snapshot returns every user that is not offline.
func (t *Tracker) Snapshot() map[string]arena.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]arena.PresenceStatus, len(t.status))
	for id, s := range t.status {
		out[id] = s
	}
	return out
}

// Subscribe returns a channel of changes. Slow subscribers miss changes.
func (t *Tracker) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 32)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// UserOnline implements registry.Listener.
func (t *Tracker) UserOnline(userID string) {
	t.update(userID, func() { t.connected[userID] = true })
}

// UserOffline implements registry.Listener.
func (t *Tracker) UserOffline(userID string) {
	t.update(userID, func() { delete(t.connected, userID) })
}

// BattleStarted is signalled by the battle subsystem when a match begins.
func (t *Tracker) BattleStarted(userID string) {
	t.update(userID, func() { t.inBattle[userID] = true })
}

// BattleEnded returns the user to online or offline.
func (t *Tracker) BattleEnded(userID string) {
	t.update(userID, func() { delete(t.inBattle, userID) })
}

func (t *Tracker) update(userID string, mutate func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.status[userID]
	if !ok {
		prev = arena.PresenceOffline
	}
	mutate()

	next := arena.PresenceOffline
	switch {
	case t.inBattle[userID]:
		next = arena.PresenceInBattle
	case t.connected[userID]:
		next = arena.PresenceOnline
	}
	if next == prev {
		return
	}
	if next == arena.PresenceOffline {
		delete(t.status, userID)
	} else {
		t.status[userID] = next
	}

	c := Change{UserID: userID, Previous: prev, Status: next, At: time.Now().UTC()}
	t.logger.Debug("presence changed", "user_id", userID, "from", prev, "to", next)

	for ch := range t.subs {
		select {
		case ch <- c:
		default:
		}
	}
	if t.pub != nil {
		t.pub.Publish(events.Event{
			Kind:     events.PresenceChanged,
			EntityID: userID,
			At:       c.At,
			Payload:  events.PresencePayload{UserID: userID, Previous: prev, Status: next},
		})
	}
	for _, r := range t.recorders {
		r.Record(c)
	}
}
