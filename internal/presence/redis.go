package presence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/coderspae/arena/internal/arena"
)

// DefaultRedisKey is the hash holding userID -> status for every user that
// is not offline.
const DefaultRedisKey = "arena:presence"

// RedisMirror copies presence changes into a Redis hash so admin displays
// can read live status without calling this service. Changes are applied
// in order by Run.
type RedisMirror struct {
	rdb    *redis.Client
	key    string
	logger *slog.Logger
	queue  chan Change
}

func NewRedisMirror(rdb *redis.Client, key string, logger *slog.Logger) *RedisMirror {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisMirror{
		rdb:    rdb,
		key:    key,
		logger: logger,
		queue:  make(chan Change, 1024),
	}
}

// Record implements Recorder.
func (m *RedisMirror) Record(c Change) {
	select {
	case m.queue <- c:
	default:
		m.logger.Warn("presence mirror queue full, dropping change", "user_id", c.UserID, "status", c.Status)
	}
}

// Reset clears statuses left over from a previous process.
func (m *RedisMirror) Reset(ctx context.Context) error {
	if err := m.rdb.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("clearing presence hash: %w", err)
	}
	return nil
}

// Run applies queued changes until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-m.queue:
			if err := m.apply(ctx, c); err != nil {
				m.logger.Error("mirroring presence", "user_id", c.UserID, "error", err)
			}
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, c Change) error {
	if c.Status == arena.PresenceOffline {
		return m.rdb.HDel(ctx, m.key, c.UserID).Err()
	}
	return m.rdb.HSet(ctx, m.key, c.UserID, string(c.Status)).Err()
}
