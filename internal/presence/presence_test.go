package presence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/events"
)

type recorded struct{ changes []Change }

func (r *recorded) Record(c Change) { r.changes = append(r.changes, c) }

func TestTrackerTransitions(t *testing.T) {
	bus := events.NewBus()
	evs, cancel := bus.Subscribe(events.PresenceChanged)
	defer cancel()

	rec := &recorded{}
	tr := NewTracker(slog.Default(), bus, rec)

	steps := []struct {
		name string
		do   func(string)
		want arena.PresenceStatus
	}{
		{"connect", tr.UserOnline, arena.PresenceOnline},
		{"battle start", tr.BattleStarted, arena.PresenceInBattle},
		{"disconnect during battle", tr.UserOffline, arena.PresenceInBattle},
		{"reconnect during battle", tr.UserOnline, arena.PresenceInBattle},
		{"battle end", tr.BattleEnded, arena.PresenceOnline},
		{"disconnect", tr.UserOffline, arena.PresenceOffline},
	}

	for _, s := range steps {
		s.do("alice")
		if got := tr.StatusOf("alice"); got != s.want {
			t.Fatalf("%s: status = %q, want %q", s.name, got, s.want)
		}
	}

	// online, in-battle, online, offline
	if len(rec.changes) != 4 {
		t.Fatalf("recorded %d changes, want 4: %+v", len(rec.changes), rec.changes)
	}
	wantSeq := []arena.PresenceStatus{arena.PresenceOnline, arena.PresenceInBattle, arena.PresenceOnline, arena.PresenceOffline}
	for i, c := range rec.changes {
		if c.Status != wantSeq[i] {
			t.Errorf("change %d = %q, want %q", i, c.Status, wantSeq[i])
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case e := <-evs:
			if e.EntityID != "alice" {
				t.Errorf("event entity = %q, want alice", e.EntityID)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing presence event %d", i)
		}
	}
}

func TestTrackerUnknownUserIsOffline(t *testing.T) {
	tr := NewTracker(slog.Default(), nil)
	if got := tr.StatusOf("ghost"); got != arena.PresenceOffline {
		t.Errorf("status = %q, want offline", got)
	}
	if len(tr.Snapshot()) != 0 {
		t.Errorf("snapshot should be empty")
	}
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker(slog.Default(), nil)
	ch, cancel := tr.Subscribe()

	tr.UserOnline("bob")

	select {
	case c := <-ch:
		if c.UserID != "bob" || c.Previous != arena.PresenceOffline || c.Status != arena.PresenceOnline {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change received")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// No panic publishing after the subscriber left.
	tr.UserOffline("bob")
}

func TestRedisMirrorRecordNeverBlocks(t *testing.T) {
	m := NewRedisMirror(deadRedis(), "", slog.Default())
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(m.queue)+10; i++ {
			m.Record(Change{UserID: "u", Status: arena.PresenceOnline})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRedisMirrorApplyUnreachable(t *testing.T) {
	m := NewRedisMirror(deadRedis(), "test:presence", slog.Default())
	if err := m.apply(context.Background(), Change{UserID: "u", Status: arena.PresenceOnline}); err == nil {
		t.Error("expected error from unreachable redis")
	}
}

func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "localhost:1",
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 10 * time.Millisecond,
		MaxRetries:   -1,
	})
}
