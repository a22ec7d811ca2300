package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// IsRemote reports whether dsn points at a libSQL server rather than a
// local file.
func IsRemote(dsn string) bool {
	for _, scheme := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

// Open connects through libSQL. dsn is a file path, ":memory:" or a remote
// libsql:// URL (auth token in the query string). Local databases run in
// WAL mode with a 5 s busy timeout and foreign keys enabled.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	remote := IsRemote(dsn)

	source := dsn
	if !remote {
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		source = "file:" + dsn
	}

	db, err := sql.Open("libsql", source)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled :memory: connection would get its own empty database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{"PRAGMA foreign_keys=ON"}
	if !remote {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000")
	}
	// Some PRAGMAs return rows, which libSQL refuses through Exec.
	for _, p := range pragmas {
		rows, err := db.QueryContext(ctx, p)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %s: %w", p, err)
		}
		rows.Close()
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}
