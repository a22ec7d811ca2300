package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/coderspae/arena/internal/arena"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/arena.db"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// Optional infrastructure; empty disables it.
	RedisURL string `env:"REDIS_URL"`
	NATSURL  string `env:"NATS_URL"`

	JWTSecret        string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer        string `env:"JWT_ISSUER"`
	BattleServiceKey string `env:"BATTLE_SERVICE_KEY"`

	ChallengeWindow time.Duration `env:"CHALLENGE_WINDOW" envDefault:"30s"`
	PresenceGrace   time.Duration `env:"PRESENCE_GRACE" envDefault:"5s"`
	HistoryLimit    int           `env:"HISTORY_LIMIT" envDefault:"50"`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"64"`

	// Rooms is a comma separated list of name:description pairs. Empty
	// seeds the built-in battle mode rooms.
	Rooms []string `env:"ROOMS" envSeparator:","`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.ChallengeWindow <= 0 {
		return nil, fmt.Errorf("CHALLENGE_WINDOW must be positive, got %s", cfg.ChallengeWindow)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("SEND_BUFFER must be positive, got %d", cfg.SendBuffer)
	}
	return &cfg, nil
}

// SeedRooms parses Rooms. It returns nil when no rooms are configured.
func (c *Config) SeedRooms() ([]arena.Room, error) {
	var rooms []arena.Room
	for _, entry := range c.Rooms {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, desc, _ := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("ROOMS entry %q has no name", entry)
		}
		rooms = append(rooms, arena.Room{Name: name, Description: strings.TrimSpace(desc)})
	}
	return rooms, nil
}
