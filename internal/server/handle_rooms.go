package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/chat"
	"github.com/coderspae/arena/internal/presence"
	"github.com/coderspae/arena/internal/registry"
)

type RoomsResponse struct {
	Rooms []arena.Room `json:"rooms"`
}

// RoomResponse is a room with its online members and recent history.
type RoomResponse struct {
	Room    arena.Room      `json:"room"`
	Members []string        `json:"members"`
	History []arena.Message `json:"history"`
}

// PresenceSnapshotResponse lists every user that is not offline.
type PresenceSnapshotResponse struct {
	Users map[string]arena.PresenceStatus `json:"users"`
	// Connected counts users holding at least one live connection.
	Connected int `json:"connected"`
}

type PresenceResponse struct {
	UserID string               `json:"userId"`
	Status arena.PresenceStatus `json:"status"`
}

type BattleSignalRequest struct {
	Active bool `json:"active"`
}

func handleListRooms(logger *slog.Logger, router *chat.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := router.Rooms(r.Context())
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		if rooms == nil {
			rooms = []arena.Room{}
		}
		writeJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
	}
}

func handleGetRoom(logger *slog.Logger, router *chat.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := router.Room(r.Context(), chi.URLParam(r, "room"))
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		resp := RoomResponse{Room: rc.Room, Members: rc.Members, History: rc.History}
		if resp.Members == nil {
			resp.Members = []string{}
		}
		if resp.History == nil {
			resp.History = []arena.Message{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handlePresenceSnapshot(tracker *presence.Tracker, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PresenceSnapshotResponse{
			Users:     tracker.Snapshot(),
			Connected: reg.Users(),
		})
	}
}

func handleGetPresence(tracker *presence.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		writeJSON(w, http.StatusOK, PresenceResponse{UserID: userID, Status: tracker.StatusOf(userID)})
	}
}

// handleBattleSignal lets the battle subsystem mark a user as in or out of
// a battle.
func handleBattleSignal(tracker *presence.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !arena.ValidUserID(userID) {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		var req BattleSignalRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Active {
			tracker.BattleStarted(userID)
		} else {
			tracker.BattleEnded(userID)
		}
		writeJSON(w, http.StatusOK, PresenceResponse{UserID: userID, Status: tracker.StatusOf(userID)})
	}
}
