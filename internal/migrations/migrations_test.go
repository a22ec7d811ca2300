package migrations_test

import (
	"context"
	"testing"

	"github.com/coderspae/arena/internal/database"
	"github.com/coderspae/arena/internal/migrations"
)

func TestMigrations(t *testing.T) {
	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	// Verify all tables exist by querying sqlite_master.
	want := []string{"challenge_offers", "personal_chats", "personal_chat_unread", "chat_messages", "rooms", "room_members"}

	for _, table := range want {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("second run (should be no-op): %v", err)
	}

	v, err := migrations.Version(context.Background(), db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestPendingPairIndex(t *testing.T) {
	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()
	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	insert := `INSERT INTO challenge_offers
		(id, challenger_id, challenged_id, pair_key, problem_ids, time_limit, status, created_at, responds_by)
		VALUES (?, 'a', 'b', 'a_b', '["p1"]', 30, ?, 'now', 'later')`

	if _, err := db.Exec(insert, "o1", "pending"); err != nil {
		t.Fatalf("first pending offer: %v", err)
	}
	if _, err := db.Exec(insert, "o2", "pending"); err == nil {
		t.Fatal("second pending offer for the same pair should violate the index")
	}
	if _, err := db.Exec(insert, "o3", "expired"); err != nil {
		t.Fatalf("terminal offer for the same pair: %v", err)
	}
}
