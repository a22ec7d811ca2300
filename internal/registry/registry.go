// Package registry maps authenticated users to their live connections.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Conn is one live transport connection. Send must not block: it returns
// false when the frame could not be queued.
type Conn interface {
	ID() string
	Send(frame []byte) bool
}

// Listener is told when a user gains a first connection or stays without
// any for the whole grace period.
type Listener interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// ConnListener is implemented by listeners that keep per-connection state.
// ConnectionClosed runs on every Unregister, before any offline grace.
type ConnListener interface {
	ConnectionClosed(userID string, conn Conn)
}

type entry struct {
	conn        Conn
	userID      string
	connectedAt time.Time
}

// Timer is the part of *time.Timer the registry uses.
type Timer interface {
	Stop() bool
}

type graceTimer struct {
	t Timer
}

// userLock serializes the lifecycle of one user so listener callbacks see
// that user's transitions in order. Different users never wait on each
// other.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// Registry tracks connections per user. A user with several tabs owns
// several connections.
type Registry struct {
	logger    *slog.Logger
	grace     time.Duration
	afterFunc func(time.Duration, func()) Timer

	locksMu sync.Mutex
	locks   map[string]*userLock

	mu        sync.RWMutex
	listeners []Listener
	byUser    map[string]map[string]*entry
	byConn    map[string]*entry
	offline   map[string]*graceTimer
}

type Option func(*Registry)

func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// WithAfterFunc replaces time.AfterFunc for the grace timer.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(r *Registry) { r.afterFunc = fn }
}

func New(logger *slog.Logger, grace time.Duration, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger,
		grace:   grace,
		locks:   make(map[string]*userLock),
		byUser:  make(map[string]map[string]*entry),
		byConn:  make(map[string]*entry),
		offline: make(map[string]*graceTimer),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddListener registers l for subsequent notifications. Call it before
// connections are registered.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// lockUser takes userID's lifecycle lock and returns its release.
func (r *Registry) lockUser(userID string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
		r.locksMu.Unlock()
	}
}

// Register adds conn for userID. Registering a known connection again is a no-op.
func (r *Registry) Register(userID string, conn Conn) {
	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.Lock()
	if _, ok := r.byConn[conn.ID()]; ok {
		r.mu.Unlock()
		return
	}
	e := &entry{conn: conn, userID: userID, connectedAt: time.Now().UTC()}
	r.byConn[conn.ID()] = e
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*entry)
		r.byUser[userID] = conns
	}
	conns[conn.ID()] = e
	first := len(conns) == 1

	// A reconnect inside the grace period cancels the pending offline flip
	// and the user never went offline.
	g, wasPending := r.offline[userID]
	if wasPending {
		g.t.Stop()
		delete(r.offline, userID)
	}
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Debug("connection registered", "user_id", userID, "conn_id", conn.ID())
	if first && !wasPending {
		for _, l := range listeners {
			l.UserOnline(userID)
		}
	}
}

// Unregister removes conn. Unknown handles are ignored.
func (r *Registry) Unregister(conn Conn) {
	r.mu.RLock()
	e, ok := r.byConn[conn.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}
	userID := e.userID

	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.Lock()
	if _, ok := r.byConn[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, conn.ID())
	conns := r.byUser[userID]
	delete(conns, conn.ID())
	last := len(conns) == 0
	if last {
		delete(r.byUser, userID)
		g := &graceTimer{}
		r.offline[userID] = g
		g.t = r.afterFunc(r.grace, func() { r.expire(userID, g) })
	}
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", "user_id", userID, "conn_id", conn.ID(), "last", last)
	for _, l := range listeners {
		if cl, ok := l.(ConnListener); ok {
			cl.ConnectionClosed(userID, conn)
		}
	}
}

func (r *Registry) expire(userID string, g *graceTimer) {
	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.Lock()
	current, ok := r.offline[userID]
	if !ok || current != g || len(r.byUser[userID]) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.offline, userID)
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Debug("user went offline", "user_id", userID)
	for _, l := range listeners {
		l.UserOffline(userID)
	}
}

// ConnectionsFor returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		conns = append(conns, e.conn)
	}
	return conns
}

// ConnectedSince returns when conn was registered.
func (r *Registry) ConnectedSince(conn Conn) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[conn.ID()]
	if !ok {
		return time.Time{}, false
	}
	return e.connectedAt, true
}

// Send queues frame on every live connection of userID, skipping except.
// It returns how many connections accepted the frame.
func (r *Registry) Send(userID string, frame []byte, except ...Conn) int {
	delivered := 0
	for _, c := range r.ConnectionsFor(userID) {
		if skip(c, except) {
			continue
		}
		if c.Send(frame) {
			delivered++
			continue
		}
		r.logger.Warn("dropping frame for slow connection", "user_id", userID, "conn_id", c.ID())
	}
	return delivered
}

func skip(c Conn, except []Conn) bool {
	for _, e := range except {
		if e != nil && e.ID() == c.ID() {
			return true
		}
	}
	return false
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Close stops pending grace timers without notifying listeners.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, g := range r.offline {
		g.t.Stop()
		delete(r.offline, userID)
	}
}
