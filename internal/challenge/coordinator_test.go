package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/registry"
	"github.com/coderspae/arena/internal/wire"
)

// memStore is an in-memory Store with switchable failures.
type memStore struct {
	mu      sync.Mutex
	offers  map[string]arena.Offer
	failing bool
}

func newMemStore() *memStore {
	return &memStore{offers: make(map[string]arena.Offer)}
}

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memStore) CreateOffer(_ context.Context, o arena.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	for _, existing := range s.offers {
		if existing.Status == arena.OfferPending && existing.PairKey() == o.PairKey() {
			return arena.ErrDuplicatePendingOffer
		}
	}
	s.offers[o.ID] = o
	return nil
}

func (s *memStore) TransitionOffer(_ context.Context, id string, from, to arena.OfferStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	o, ok := s.offers[id]
	if !ok || o.Status != from {
		return arena.ErrNotFound
	}
	o.Status = to
	o.RespondedAt = &at
	s.offers[id] = o
	return nil
}

func (s *memStore) GetOffer(_ context.Context, id string) (arena.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return arena.Offer{}, arena.ErrNotFound
	}
	return o, nil
}

func (s *memStore) PendingOffers(_ context.Context) ([]arena.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []arena.Offer
	for _, o := range s.offers {
		if o.Status == arena.OfferPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) status(id string) arena.OfferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers[id].Status
}

// inbox records frames per user; users in online receive them.
type inbox struct {
	mu     sync.Mutex
	online map[string]bool
	frames map[string][]wire.Frame
}

func newInbox(online ...string) *inbox {
	in := &inbox{online: make(map[string]bool), frames: make(map[string][]wire.Frame)}
	for _, u := range online {
		in.online[u] = true
	}
	return in
}

func (in *inbox) Send(userID string, frame []byte, _ ...registry.Conn) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.online[userID] {
		return 0
	}
	var f wire.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	in.frames[userID] = append(in.frames[userID], f)
	return 1
}

func (in *inbox) types(userID string) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []string
	for _, f := range in.frames[userID] {
		out = append(out, f.Type)
	}
	return out
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback unless the timer was stopped, like time.Timer.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !stopped {
		t.f()
	}
}

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) afterFunc(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) last() *fakeTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[len(ts.all)-1]
}

type busyPresence map[string]arena.PresenceStatus

func (p busyPresence) StatusOf(id string) arena.PresenceStatus {
	if s, ok := p[id]; ok {
		return s
	}
	return arena.PresenceOffline
}

type fixture struct {
	c      *Coordinator
	store  *memStore
	inbox  *inbox
	timers *timers
	bus    *events.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		inbox:  newInbox("alice", "bob"),
		timers: &timers{},
		bus:    events.NewBus(),
	}
	var n atomic.Int64
	opts = append([]Option{
		WithAfterFunc(f.timers.afterFunc),
	}, opts...)
	f.c = NewCoordinator(slog.Default(), f.store, f.inbox, f.bus, opts...)
	f.c.newID = func() string {
		return fmt.Sprintf("offer-%d", n.Add(1))
	}
	t.Cleanup(f.c.Close)
	return f
}

func sendReq(from, to string) SendRequest {
	return SendRequest{ChallengerID: from, ChallengedID: to, ProblemIDs: []string{"two-sum"}, TimeLimit: 30}
}

func TestSendChallengeDelivers(t *testing.T) {
	f := newFixture(t)
	created, cancel := f.bus.Subscribe(events.OfferCreated)
	defer cancel()

	res, err := f.c.SendChallenge(context.Background(), sendReq("alice", "bob"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Delivered != 1 || res.Undeliverable() != nil {
		t.Errorf("delivered = %d", res.Delivered)
	}
	if res.Offer.Status != arena.OfferPending {
		t.Errorf("status = %q", res.Offer.Status)
	}
	if got := res.Offer.RespondsBy.Sub(res.Offer.CreatedAt); got != DefaultWindow {
		t.Errorf("window = %v", got)
	}
	if got := f.inbox.types("bob"); len(got) != 1 || got[0] != wire.TypeOfferCreated {
		t.Errorf("bob frames = %v", got)
	}
	if d := f.timers.last().d; d != DefaultWindow {
		t.Errorf("deadline timer = %v", d)
	}

	select {
	case e := <-created:
		if e.EntityID != res.Offer.ID {
			t.Errorf("event entity = %q", e.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("no offer.created event")
	}
}

func TestSendChallengeValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
	}{
		{"self", sendReq("alice", "alice")},
		{"empty challenger", sendReq("", "bob")},
		{"underscore id", sendReq("al_ice", "bob")},
		{"no problems", SendRequest{ChallengerID: "alice", ChallengedID: "bob", TimeLimit: 30}},
		{"blank problem", SendRequest{ChallengerID: "alice", ChallengedID: "bob", ProblemIDs: []string{" "}, TimeLimit: 30}},
		{"zero time", SendRequest{ChallengerID: "alice", ChallengedID: "bob", ProblemIDs: []string{"p"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.c.SendChallenge(context.Background(), tt.req)
			if !errors.Is(err, arena.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestDuplicatePendingOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.c.SendChallenge(ctx, sendReq("alice", "bob")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := f.c.SendChallenge(ctx, sendReq("alice", "bob")); !errors.Is(err, arena.ErrDuplicatePendingOffer) {
		t.Fatalf("second send err = %v", err)
	}
	if _, err := f.c.SendChallenge(ctx, sendReq("bob", "alice")); !errors.Is(err, arena.ErrDuplicatePendingOffer) {
		t.Fatalf("reverse send err = %v", err)
	}
}

func TestConcurrentSendsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.c.SendChallenge(context.Background(), sendReq("alice", "bob")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("created %d offers, want 1", wins)
	}
}

func TestSendChallengeUndeliverable(t *testing.T) {
	f := newFixture(t)
	res, err := f.c.SendChallenge(context.Background(), sendReq("alice", "carol"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !errors.Is(res.Undeliverable(), arena.ErrUndeliverable) {
		t.Errorf("undeliverable = %v", res.Undeliverable())
	}
	if got := f.inbox.types("alice"); len(got) != 1 || got[0] != wire.TypeOfferUndeliverable {
		t.Errorf("alice frames = %v", got)
	}
	if f.store.status(res.Offer.ID) != arena.OfferPending {
		t.Error("offer should still be pending")
	}
}

func TestSendChallengeBusy(t *testing.T) {
	f := newFixture(t, WithPresence(busyPresence{"bob": arena.PresenceInBattle}))
	if _, err := f.c.SendChallenge(context.Background(), sendReq("alice", "bob")); !errors.Is(err, arena.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestSendChallengePersistenceFailureFreesPair(t *testing.T) {
	f := newFixture(t)
	f.store.setFailing(true)
	if _, err := f.c.SendChallenge(context.Background(), sendReq("alice", "bob")); !errors.Is(err, arena.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	f.store.setFailing(false)
	if _, err := f.c.SendChallenge(context.Background(), sendReq("alice", "bob")); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRespondAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.c.SendChallenge(ctx, sendReq("alice", "bob"))

	o, err := f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Status != arena.OfferAccepted || o.RespondedAt == nil {
		t.Errorf("offer = %+v", o)
	}
	if got := f.inbox.types("alice"); len(got) != 1 || got[0] != wire.TypeOfferAccepted {
		t.Errorf("alice frames = %v", got)
	}
	if !f.timers.last().stopped {
		t.Error("deadline timer still armed")
	}

	// Accept then reject: the offer is no longer pending.
	if _, err := f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionReject); !errors.Is(err, arena.ErrNotFound) {
		t.Fatalf("reject after accept err = %v", err)
	}
	if f.store.status(res.Offer.ID) != arena.OfferAccepted {
		t.Errorf("stored status = %q", f.store.status(res.Offer.ID))
	}

	got, err := f.c.Offer(ctx, res.Offer.ID)
	if err != nil || got.Status != arena.OfferAccepted {
		t.Errorf("offer lookup = %+v, %v", got, err)
	}

	// The pair may challenge again.
	if _, err := f.c.SendChallenge(ctx, sendReq("bob", "alice")); err != nil {
		t.Fatalf("new challenge: %v", err)
	}
}

func TestRespondErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.c.SendChallenge(ctx, sendReq("alice", "bob"))

	if _, err := f.c.Respond(ctx, "missing", "bob", arena.DecisionAccept); !errors.Is(err, arena.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := f.c.Respond(ctx, res.Offer.ID, "alice", arena.DecisionAccept); !errors.Is(err, arena.ErrForbidden) {
		t.Errorf("challenger err = %v", err)
	}
	if _, err := f.c.Respond(ctx, res.Offer.ID, "mallory", arena.DecisionReject); !errors.Is(err, arena.ErrForbidden) {
		t.Errorf("stranger err = %v", err)
	}
	if _, err := f.c.Respond(ctx, res.Offer.ID, "bob", "maybe"); !errors.Is(err, arena.ErrInvalidArgument) {
		t.Errorf("bad decision err = %v", err)
	}
	if f.store.status(res.Offer.ID) != arena.OfferPending {
		t.Error("failed responses must not change the offer")
	}
}

func TestRespondPersistenceFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.c.SendChallenge(ctx, sendReq("alice", "bob"))

	f.store.setFailing(true)
	if _, err := f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionAccept); !errors.Is(err, arena.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	o, _ := f.c.Offer(ctx, res.Offer.ID)
	if o.Status != arena.OfferPending {
		t.Fatalf("status = %q, want pending", o.Status)
	}
	if len(f.inbox.types("alice")) != 0 {
		t.Error("challenger notified of an unpersisted response")
	}

	f.store.setFailing(false)
	if _, err := f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionReject); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestOfferExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.c.SendChallenge(ctx, sendReq("alice", "bob"))

	f.timers.last().fire()

	if f.store.status(res.Offer.ID) != arena.OfferExpired {
		t.Fatalf("stored status = %q, want expired", f.store.status(res.Offer.ID))
	}
	for _, u := range []string{"alice", "bob"} {
		got := f.inbox.types(u)
		if len(got) == 0 || got[len(got)-1] != wire.TypeOfferExpired {
			t.Errorf("%s frames = %v", u, got)
		}
	}
	if _, err := f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionAccept); !errors.Is(err, arena.ErrNotFound) {
		t.Fatalf("accept after expiry err = %v", err)
	}
}

func TestExpiryRetriesOnPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	res, _ := f.c.SendChallenge(context.Background(), sendReq("alice", "bob"))

	f.store.setFailing(true)
	first := f.timers.last()
	first.fire()
	retry := f.timers.last()
	if retry == first || retry.d != defaultRetryDelay {
		t.Fatalf("expected a retry timer, got %+v", retry)
	}

	f.store.setFailing(false)
	retry.fire()
	if f.store.status(res.Offer.ID) != arena.OfferExpired {
		t.Fatalf("status = %q", f.store.status(res.Offer.ID))
	}
}

func TestRespondRacesExpiry(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		ctx := context.Background()
		res, _ := f.c.SendChallenge(ctx, sendReq("alice", "bob"))
		timer := f.timers.last()

		var wg sync.WaitGroup
		var respondErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, respondErr = f.c.Respond(ctx, res.Offer.ID, "bob", arena.DecisionAccept)
		}()
		go func() {
			defer wg.Done()
			timer.f()
		}()
		wg.Wait()

		status := f.store.status(res.Offer.ID)
		switch {
		case respondErr == nil && status != arena.OfferAccepted:
			t.Fatalf("respond won but status = %q", status)
		case respondErr != nil && (status != arena.OfferExpired || !errors.Is(respondErr, arena.ErrNotFound)):
			t.Fatalf("expiry won: status = %q err = %v", status, respondErr)
		}

		terminal := 0
		for _, typ := range f.inbox.types("alice") {
			if typ == wire.TypeOfferAccepted || typ == wire.TypeOfferExpired {
				terminal++
			}
		}
		if terminal != 1 {
			t.Fatalf("alice saw %d terminal frames", terminal)
		}
	}
}

func TestRestoreRearmsDeadlines(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	fresh := arena.Offer{ID: "fresh", ChallengerID: "alice", ChallengedID: "bob", ProblemIDs: []string{"p"}, TimeLimit: 10,
		Status: arena.OfferPending, CreatedAt: now.Add(-10 * time.Second), RespondsBy: now.Add(20 * time.Second)}
	stale := arena.Offer{ID: "stale", ChallengerID: "carol", ChallengedID: "bob", ProblemIDs: []string{"p"}, TimeLimit: 10,
		Status: arena.OfferPending, CreatedAt: now.Add(-time.Minute), RespondsBy: now.Add(-30 * time.Second)}
	f.store.CreateOffer(ctx, fresh)
	f.store.CreateOffer(ctx, stale)

	if err := f.c.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	pending := f.c.PendingFor("bob")
	if len(pending) != 2 || pending[0].ID != "stale" {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := f.c.SendChallenge(ctx, sendReq("bob", "alice")); !errors.Is(err, arena.ErrDuplicatePendingOffer) {
		t.Errorf("restored pair not reserved: %v", err)
	}

	f.timers.mu.Lock()
	armed := append([]*fakeTimer(nil), f.timers.all...)
	f.timers.mu.Unlock()
	durations := map[time.Duration]*fakeTimer{}
	for _, tm := range armed {
		durations[tm.d] = tm
	}
	if durations[20*time.Second] == nil || durations[0] == nil {
		t.Fatalf("timer durations = %v", durations)
	}
	durations[0].fire()
	if f.store.status("stale") != arena.OfferExpired {
		t.Errorf("stale offer status = %q", f.store.status("stale"))
	}
}
