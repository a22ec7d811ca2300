package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/coderspae/arena/internal/arena"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// Error codes shared by websocket error frames and REST error bodies.
const (
	codeDuplicatePendingOffer = "DUPLICATE_PENDING_OFFER"
	codeNotFound              = "NOT_FOUND"
	codeForbidden             = "FORBIDDEN"
	codeNotAMember            = "NOT_A_MEMBER"
	codeUndeliverable         = "UNDELIVERABLE"
	codeBusy                  = "BUSY"
	codeInvalidArgument       = "INVALID_ARGUMENT"
	codePersistence           = "PERSISTENCE"
	codeInternal              = "INTERNAL"
)

var errorTable = []struct {
	err    error
	code   string
	status int
}{
	{arena.ErrDuplicatePendingOffer, codeDuplicatePendingOffer, http.StatusConflict},
	{arena.ErrNotFound, codeNotFound, http.StatusNotFound},
	{arena.ErrForbidden, codeForbidden, http.StatusForbidden},
	{arena.ErrNotAMember, codeNotAMember, http.StatusForbidden},
	{arena.ErrUndeliverable, codeUndeliverable, http.StatusConflict},
	{arena.ErrBusy, codeBusy, http.StatusConflict},
	{arena.ErrInvalidArgument, codeInvalidArgument, http.StatusBadRequest},
	{arena.ErrPersistence, codePersistence, http.StatusServiceUnavailable},
}

// classify maps a domain error to its wire code and HTTP status.
func classify(err error) (string, int) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.code, e.status
		}
	}
	return codeInternal, http.StatusInternalServerError
}

// publicMessage hides internal details behind a generic message.
func publicMessage(err error, code string) string {
	switch code {
	case codeInternal:
		return "internal error"
	case codePersistence:
		return "storage unavailable, try again"
	}
	return err.Error()
}

// writeDomainError writes err as an ErrorResponse. Storage and internal
// failures are logged since the client only sees a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code, status := classify(err)
	if code == codeInternal || code == codePersistence {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, ErrorResponse{Error: publicMessage(err, code), Code: code})
}
