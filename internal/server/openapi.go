package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/coderspae/arena/internal/handler/health"
)

// ErrorResponse is returned for all error responses. Code is set for
// domain errors and matches the websocket error codes.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse maps each dependency to its probe result.
type HealthResponse map[string]health.Result

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "CoderspaE Arena API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Live challenges, chat and presence for CoderspaE battles.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns the health status of backend dependencies.")
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /ws
	getWS, _ := r.NewOperationContext(http.MethodGet, "/ws")
	getWS.SetSummary("Realtime connection")
	getWS.SetDescription("Upgrades to a WebSocket speaking JSON frames {type, requestId, payload}. " +
		"Pass the bearer token as the token query parameter.")
	getWS.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	getWS.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getWS)

	// POST /api/challenges
	postChallenge, _ := r.NewOperationContext(http.MethodPost, "/api/challenges")
	postChallenge.SetSummary("Send challenge")
	postChallenge.SetDescription("Challenges another user to a 1v1 battle. Requires Bearer token.")
	postChallenge.AddReqStructure(SendChallengeRequest{})
	postChallenge.AddRespStructure(SendChallengeResponse{}, openapi.WithHTTPStatus(http.StatusCreated))
	postChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	postChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(postChallenge)

	// GET /api/challenges/{offerID}
	getChallenge, _ := r.NewOperationContext(http.MethodGet, "/api/challenges/{offerID}")
	getChallenge.SetSummary("Get challenge")
	getChallenge.SetDescription("Returns an offer the caller takes part in. Requires Bearer token.")
	getChallenge.AddRespStructure(OfferResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	getChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getChallenge)

	// POST /api/challenges/{offerID}/respond
	respondChallenge, _ := r.NewOperationContext(http.MethodPost, "/api/challenges/{offerID}/respond")
	respondChallenge.SetSummary("Respond to challenge")
	respondChallenge.SetDescription("Accepts or rejects a pending offer. Only the challenged user may respond.")
	respondChallenge.AddReqStructure(RespondChallengeRequest{})
	respondChallenge.AddRespStructure(OfferResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	respondChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	respondChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusForbidden))
	respondChallenge.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(respondChallenge)

	// GET /api/rooms
	getRooms, _ := r.NewOperationContext(http.MethodGet, "/api/rooms")
	getRooms.SetSummary("List rooms")
	getRooms.SetDescription("Returns community rooms with their online member counts.")
	getRooms.AddRespStructure(RoomsResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getRooms)

	// GET /api/rooms/{room}
	getRoom, _ := r.NewOperationContext(http.MethodGet, "/api/rooms/{room}")
	getRoom.SetSummary("Get room")
	getRoom.SetDescription("Returns a room with its online members and recent history.")
	getRoom.AddRespStructure(RoomResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getRoom.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getRoom)

	// GET /api/presence
	getSnapshot, _ := r.NewOperationContext(http.MethodGet, "/api/presence")
	getSnapshot.SetSummary("Presence snapshot")
	getSnapshot.SetDescription("Returns every user that is not offline and the number of connected users.")
	getSnapshot.AddRespStructure(PresenceSnapshotResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getSnapshot)

	// GET /api/presence/{userID}
	getPresence, _ := r.NewOperationContext(http.MethodGet, "/api/presence/{userID}")
	getPresence.SetSummary("Get presence")
	getPresence.SetDescription("Returns online, offline or in-battle for a user.")
	getPresence.AddRespStructure(PresenceResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getPresence)

	// POST /api/presence/{userID}/battle
	postBattle, _ := r.NewOperationContext(http.MethodPost, "/api/presence/{userID}/battle")
	postBattle.SetSummary("Battle signal")
	postBattle.SetDescription("Marks a user as entering or leaving a battle. Requires the X-Service-Key header.")
	postBattle.AddReqStructure(BattleSignalRequest{})
	postBattle.AddRespStructure(PresenceResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	postBattle.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(postBattle)

	// GET /api/events
	getEvents, _ := r.NewOperationContext(http.MethodGet, "/api/events")
	getEvents.SetSummary("SSE event stream")
	getEvents.SetDescription("Server-Sent Events stream of domain events. Filter with ?kinds=offer.accepted,... " +
		"Requires the X-Service-Key header.")
	getEvents.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK),
		openapi.WithContentType("text/event-stream"))
	getEvents.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getEvents)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
