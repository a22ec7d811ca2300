package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coderspae/arena/internal/auth"
	"github.com/coderspae/arena/internal/challenge"
	"github.com/coderspae/arena/internal/chat"
	"github.com/coderspae/arena/internal/config"
	"github.com/coderspae/arena/internal/database"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/handler/health"
	"github.com/coderspae/arena/internal/migrations"
	"github.com/coderspae/arena/internal/presence"
	"github.com/coderspae/arena/internal/registry"
	"github.com/coderspae/arena/internal/server"
	"github.com/coderspae/arena/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(ctx, db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	version, err := migrations.Version(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("connected to sqlite", "remote", database.IsRemote(cfg.DBPath), "schema_version", version)

	st := store.NewSQLiteStore(db)
	checks := map[string]health.Checker{"sqlite": st}

	// --- Events ---
	bus := events.NewBus()
	if cfg.NATSURL != "" {
		sink, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		bus.AddSink(sink)
		checks["nats"] = sink
		logger.Info("bridging events to nats", "url", cfg.NATSURL)
	}

	// --- Redis ---
	var (
		recorders []presence.Recorder
		mirror    *presence.RedisMirror
	)
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		checks["redis"] = redisChecker{rdb}

		mirror = presence.NewRedisMirror(rdb, "", logger)
		if err := mirror.Reset(ctx); err != nil {
			return err
		}
		recorders = append(recorders, mirror)
		logger.Info("connected to redis")
	}

	// --- Realtime core ---
	tracker := presence.NewTracker(logger, bus, recorders...)
	reg := registry.New(logger, cfg.PresenceGrace, registry.WithListener(tracker))
	defer reg.Close()

	router := chat.NewRouter(logger, st, reg, bus, chat.WithHistoryLimit(cfg.HistoryLimit))
	rooms, err := cfg.SeedRooms()
	if err != nil {
		return fmt.Errorf("parsing rooms: %w", err)
	}
	if len(rooms) == 0 {
		rooms = chat.DefaultRooms
	}
	if err := router.SeedRooms(ctx, rooms); err != nil {
		return fmt.Errorf("seeding rooms: %w", err)
	}
	reg.AddListener(router)

	coord := challenge.NewCoordinator(logger, st, reg, bus,
		challenge.WithWindow(cfg.ChallengeWindow),
		challenge.WithPresence(tracker),
	)
	defer coord.Close()
	if err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("restoring offers: %w", err)
	}

	if cfg.BattleServiceKey == "" {
		logger.Warn("BATTLE_SERVICE_KEY not set, battle signal and event stream routes are disabled")
	}

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Verifier:   auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Registry:   reg,
		Challenges: coord,
		Chat:       router,
		Presence:   tracker,
		Bus:        bus,
		Health:     checks,
		ServiceKey: cfg.BattleServiceKey,
		SendBuffer: cfg.SendBuffer,
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	g.Go(func() error {
		return srv.ForwardPresence(gctx)
	})

	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	}

	return g.Wait()
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// redisChecker adapts *redis.Client to health.Checker.
type redisChecker struct{ client *redis.Client }

func (r redisChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }
