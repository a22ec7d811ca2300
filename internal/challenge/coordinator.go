// Package challenge coordinates live 1v1 challenge offers: delivery,
// accept/reject responses and the server-side response deadline.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/registry"
	"github.com/coderspae/arena/internal/wire"
)

const (
	DefaultWindow     = 30 * time.Second
	defaultRetryDelay = time.Second
)

// Store persists offers. TransitionOffer must be a compare-and-swap on
// status and return arena.ErrNotFound when the offer is no longer in from.
type Store interface {
	CreateOffer(ctx context.Context, o arena.Offer) error
	TransitionOffer(ctx context.Context, id string, from, to arena.OfferStatus, at time.Time) error
	GetOffer(ctx context.Context, id string) (arena.Offer, error)
	PendingOffers(ctx context.Context) ([]arena.Offer, error)
}

// Notifier fans frames out to a user's live connections.
type Notifier interface {
	Send(userID string, frame []byte, except ...registry.Conn) int
}

// Presence answers eligibility questions.
type Presence interface {
	StatusOf(userID string) arena.PresenceStatus
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

type SendRequest struct {
	ChallengerID string   `json:"challengerId"`
	ChallengedID string   `json:"challengedId"`
	ProblemIDs   []string `json:"problemIds"`
	TimeLimit    int      `json:"timeLimit"`
}

// SendResult reports the created offer and how many of the challenged
// user's connections received it.
type SendResult struct {
	Offer     arena.Offer `json:"offer"`
	Delivered int         `json:"delivered"`
}

// Undeliverable returns arena.ErrUndeliverable when nobody received the
// offer. The offer exists either way.
func (r SendResult) Undeliverable() error {
	if r.Delivered == 0 {
		return arena.ErrUndeliverable
	}
	return nil
}

// live is the in-memory state of one pending offer. mu makes the respond
// path and the deadline path single writers for the offer.
type live struct {
	mu      sync.Mutex
	offer   arena.Offer
	timer   Timer
	settled bool
}

type Coordinator struct {
	store    Store
	notify   Notifier
	presence Presence
	pub      events.Publisher
	logger   *slog.Logger

	window    time.Duration
	retry     time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	newID     func() string

	mu     sync.Mutex
	offers map[string]*live
	byPair map[string]string
	closed bool
}

type Option func(*Coordinator)

// WithWindow sets how long the challenged user has to respond.
func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.window = d }
}

// WithAfterFunc replaces time.AfterFunc for deadline timers.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(c *Coordinator) { c.afterFunc = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithPresence(p Presence) Option {
	return func(c *Coordinator) { c.presence = p }
}

func NewCoordinator(logger *slog.Logger, store Store, notify Notifier, pub events.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		notify: notify,
		pub:    pub,
		logger: logger,
		window: DefaultWindow,
		retry:  defaultRetryDelay,
		now:    func() time.Time { return time.Now().UTC() },
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		newID:  uuid.NewString,
		offers: make(map[string]*live),
		byPair: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func validate(req SendRequest) error {
	switch {
	case !arena.ValidUserID(req.ChallengerID) || !arena.ValidUserID(req.ChallengedID):
		return fmt.Errorf("%w: user ids are required", arena.ErrInvalidArgument)
	case req.ChallengerID == req.ChallengedID:
		return fmt.Errorf("%w: cannot challenge yourself", arena.ErrInvalidArgument)
	case len(req.ProblemIDs) == 0:
		return fmt.Errorf("%w: at least one problem is required", arena.ErrInvalidArgument)
	case req.TimeLimit <= 0:
		return fmt.Errorf("%w: time limit must be positive", arena.ErrInvalidArgument)
	}
	for _, p := range req.ProblemIDs {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty problem id", arena.ErrInvalidArgument)
		}
	}
	return nil
}

// SendChallenge creates a pending offer and delivers it to every live
// connection of the challenged user.
func (c *Coordinator) SendChallenge(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := validate(req); err != nil {
		return SendResult{}, err
	}
	if c.presence != nil && c.presence.StatusOf(req.ChallengedID) == arena.PresenceInBattle {
		return SendResult{}, arena.ErrBusy
	}

	now := c.now()
	offer := arena.Offer{
		ID:           c.newID(),
		ChallengerID: req.ChallengerID,
		ChallengedID: req.ChallengedID,
		ProblemIDs:   slices.Clone(req.ProblemIDs),
		TimeLimit:    req.TimeLimit,
		Status:       arena.OfferPending,
		CreatedAt:    now,
		RespondsBy:   now.Add(c.window),
	}
	key := offer.PairKey()

	c.mu.Lock()
	if _, taken := c.byPair[key]; taken {
		c.mu.Unlock()
		return SendResult{}, arena.ErrDuplicatePendingOffer
	}
	c.byPair[key] = offer.ID
	c.mu.Unlock()

	if err := c.store.CreateOffer(ctx, offer); err != nil {
		c.mu.Lock()
		delete(c.byPair, key)
		c.mu.Unlock()
		if errors.Is(err, arena.ErrDuplicatePendingOffer) {
			return SendResult{}, err
		}
		c.logger.Error("persisting offer", "offer_id", offer.ID, "error", err)
		return SendResult{}, fmt.Errorf("%w: creating offer: %v", arena.ErrPersistence, err)
	}

	l := &live{offer: offer}
	l.mu.Lock()
	c.mu.Lock()
	c.offers[offer.ID] = l
	c.mu.Unlock()
	c.arm(l, c.window)
	l.mu.Unlock()

	c.publish(events.OfferCreated, offer)
	res := SendResult{
		Offer:     offer,
		Delivered: c.notify.Send(offer.ChallengedID, wire.Push(wire.TypeOfferCreated, events.OfferPayload{Offer: offer})),
	}
	if res.Delivered == 0 {
		c.notify.Send(offer.ChallengerID, wire.Push(wire.TypeOfferUndeliverable, events.OfferPayload{Offer: offer}))
	}
	c.logger.Info("challenge sent",
		"offer_id", offer.ID,
		"challenger_id", offer.ChallengerID,
		"challenged_id", offer.ChallengedID,
		"delivered", res.Delivered,
	)
	return res, nil
}

// arm starts the deadline timer. l.mu must be held.
func (c *Coordinator) arm(l *live, d time.Duration) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if d < 0 {
		d = 0
	}
	id := l.offer.ID
	l.timer = c.afterFunc(d, func() { c.expire(id) })
}

func (c *Coordinator) lookup(id string) *live {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers[id]
}

// forget drops a settled offer from memory, freeing the pair.
func (c *Coordinator) forget(o arena.Offer) {
	c.mu.Lock()
	delete(c.offers, o.ID)
	if c.byPair[o.PairKey()] == o.ID {
		delete(c.byPair, o.PairKey())
	}
	c.mu.Unlock()
}

// Respond applies the challenged user's decision. The first of Respond and
// the deadline to reach the offer wins; later attempts see ErrNotFound.
func (c *Coordinator) Respond(ctx context.Context, offerID, responderID string, decision arena.Decision) (arena.Offer, error) {
	var to arena.OfferStatus
	switch decision {
	case arena.DecisionAccept:
		to = arena.OfferAccepted
	case arena.DecisionReject:
		to = arena.OfferRejected
	default:
		return arena.Offer{}, fmt.Errorf("%w: unknown decision %q", arena.ErrInvalidArgument, decision)
	}

	l := c.lookup(offerID)
	if l == nil {
		return arena.Offer{}, arena.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settled {
		return arena.Offer{}, arena.ErrNotFound
	}
	if responderID != l.offer.ChallengedID {
		return arena.Offer{}, arena.ErrForbidden
	}

	now := c.now()
	if err := c.store.TransitionOffer(ctx, offerID, arena.OfferPending, to, now); err != nil {
		if errors.Is(err, arena.ErrNotFound) {
			c.settle(l, "")
			return arena.Offer{}, arena.ErrNotFound
		}
		c.logger.Error("persisting offer response", "offer_id", offerID, "status", to, "error", err)
		return arena.Offer{}, fmt.Errorf("%w: updating offer: %v", arena.ErrPersistence, err)
	}

	l.offer.Status = to
	l.offer.RespondedAt = &now
	c.settle(l, to)
	c.logger.Info("challenge answered", "offer_id", offerID, "status", to)
	return l.offer, nil
}

// settle marks l final, stops its deadline and, when to is set, tells
// both parties. l.mu must be held.
func (c *Coordinator) settle(l *live, to arena.OfferStatus) {
	l.settled = true
	if l.timer != nil {
		l.timer.Stop()
	}
	c.forget(l.offer)
	if to == "" {
		return
	}

	kind, frameType := events.OfferAccepted, wire.TypeOfferAccepted
	switch to {
	case arena.OfferRejected:
		kind, frameType = events.OfferRejected, wire.TypeOfferRejected
	case arena.OfferExpired:
		kind, frameType = events.OfferExpired, wire.TypeOfferExpired
	}
	c.publish(kind, l.offer)

	frame := wire.Push(frameType, events.OfferPayload{Offer: l.offer})
	c.notify.Send(l.offer.ChallengerID, frame)
	c.notify.Send(l.offer.ChallengedID, frame)
}

func (c *Coordinator) expire(offerID string) {
	l := c.lookup(offerID)
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := c.now()
	if err := c.store.TransitionOffer(ctx, offerID, arena.OfferPending, arena.OfferExpired, now); err != nil {
		if errors.Is(err, arena.ErrNotFound) {
			c.settle(l, "")
			return
		}
		// Keep the deadline alive so the offer cannot stay pending forever.
		c.logger.Error("persisting offer expiry, retrying", "offer_id", offerID, "retry_in", c.retry, "error", err)
		c.arm(l, c.retry)
		return
	}

	l.offer.Status = arena.OfferExpired
	l.offer.RespondedAt = &now
	c.settle(l, arena.OfferExpired)
	c.logger.Info("challenge expired", "offer_id", offerID)
}

func (c *Coordinator) publish(kind events.Kind, o arena.Offer) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(events.Event{
		Kind:     kind,
		EntityID: o.ID,
		At:       c.now(),
		Payload:  events.OfferPayload{Offer: o},
	})
}

// Offer returns the current state of an offer, pending or settled.
func (c *Coordinator) Offer(ctx context.Context, offerID string) (arena.Offer, error) {
	if l := c.lookup(offerID); l != nil {
		l.mu.Lock()
		o := l.offer
		l.mu.Unlock()
		return o, nil
	}
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil && !errors.Is(err, arena.ErrNotFound) {
		return o, fmt.Errorf("%w: loading offer: %v", arena.ErrPersistence, err)
	}
	return o, err
}

// PendingFor lists pending offers addressed to userID, oldest first, so a
// freshly connected client can show offers it missed.
func (c *Coordinator) PendingFor(userID string) []arena.Offer {
	c.mu.Lock()
	candidates := make([]*live, 0, len(c.offers))
	for _, l := range c.offers {
		candidates = append(candidates, l)
	}
	c.mu.Unlock()

	var out []arena.Offer
	for _, l := range candidates {
		l.mu.Lock()
		if !l.settled && l.offer.ChallengedID == userID {
			out = append(out, l.offer)
		}
		l.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b arena.Offer) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Restore re-arms deadlines for offers left pending by a previous process.
// Offers whose deadline already passed expire right away.
func (c *Coordinator) Restore(ctx context.Context) error {
	offers, err := c.store.PendingOffers(ctx)
	if err != nil {
		return fmt.Errorf("loading pending offers: %w", err)
	}
	now := c.now()
	for _, o := range offers {
		l := &live{offer: o}
		l.mu.Lock()
		c.mu.Lock()
		c.offers[o.ID] = l
		c.byPair[o.PairKey()] = o.ID
		c.mu.Unlock()
		c.arm(l, o.RespondsBy.Sub(now))
		l.mu.Unlock()
	}
	if len(offers) > 0 {
		c.logger.Info("restored pending offers", "count", len(offers))
	}
	return nil
}

// Close stops every deadline timer. Pending offers stay pending in the
// store and are picked up by Restore.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	offers := make([]*live, 0, len(c.offers))
	for _, l := range c.offers {
		offers = append(offers, l)
	}
	c.mu.Unlock()

	for _, l := range offers {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()
	}
}
