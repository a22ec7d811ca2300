package server

import (
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"

	"github.com/coderspae/arena/internal/handler/health"
)

func addRoutes(r chi.Router, logger *slog.Logger, deps Deps, sessions *sync.WaitGroup) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("CoderspaE Arena API", "/openapi.json", "/docs"))
	r.Mount("/healthz", health.NewHandler(logger, deps.Health).Routes())

	r.Get("/ws", handleWS(logger, deps, sessions))

	// Player routes, bearer token issued by the main application.
	r.Group(func(r chi.Router) {
		r.Use(userMiddleware(deps.Verifier))
		r.Post("/api/challenges", handleSendChallenge(logger, deps.Challenges))
		r.Get("/api/challenges/{offerID}", handleGetChallenge(logger, deps.Challenges))
		r.Post("/api/challenges/{offerID}/respond", handleRespondChallenge(logger, deps.Challenges))
	})

	r.Get("/api/rooms", handleListRooms(logger, deps.Chat))
	r.Get("/api/rooms/{room}", handleGetRoom(logger, deps.Chat))
	r.Get("/api/presence", handlePresenceSnapshot(deps.Presence, deps.Registry))
	r.Get("/api/presence/{userID}", handleGetPresence(deps.Presence))

	// Battle subsystem routes.
	r.Group(func(r chi.Router) {
		r.Use(serviceKeyMiddleware(deps.ServiceKey))
		r.Post("/api/presence/{userID}/battle", handleBattleSignal(deps.Presence))
		r.Get("/api/events", handleEvents(deps.Bus))
	})
}
