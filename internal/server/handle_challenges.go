package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/challenge"
)

type SendChallengeRequest struct {
	ChallengedID string   `json:"challengedId"`
	ProblemIDs   []string `json:"problemIds"`
	TimeLimit    int      `json:"timeLimit"`
}

type SendChallengeResponse struct {
	Offer     arena.Offer `json:"offer"`
	Delivered int         `json:"delivered"`
	// Warning is UNDELIVERABLE when the challenged user had no live
	// connection. The offer is pending regardless.
	Warning string `json:"warning,omitempty"`
}

type RespondChallengeRequest struct {
	Decision arena.Decision `json:"decision"`
}

type OfferResponse struct {
	Offer arena.Offer `json:"offer"`
}

func sendResponse(res challenge.SendResult) SendChallengeResponse {
	resp := SendChallengeResponse{Offer: res.Offer, Delivered: res.Delivered}
	if errors.Is(res.Undeliverable(), arena.ErrUndeliverable) {
		resp.Warning = codeUndeliverable
	}
	return resp
}

func handleSendChallenge(logger *slog.Logger, c *challenge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendChallengeRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := c.SendChallenge(r.Context(), challenge.SendRequest{
			ChallengerID: userFrom(r),
			ChallengedID: req.ChallengedID,
			ProblemIDs:   req.ProblemIDs,
			TimeLimit:    req.TimeLimit,
		})
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, sendResponse(res))
	}
}

func handleRespondChallenge(logger *slog.Logger, c *challenge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RespondChallengeRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		offer, err := c.Respond(r.Context(), chi.URLParam(r, "offerID"), userFrom(r), req.Decision)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, OfferResponse{Offer: offer})
	}
}

func handleGetChallenge(logger *slog.Logger, c *challenge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offer, err := c.Offer(r.Context(), chi.URLParam(r, "offerID"))
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		user := userFrom(r)
		if user != offer.ChallengerID && user != offer.ChallengedID {
			writeDomainError(w, r, logger, arena.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, OfferResponse{Offer: offer})
	}
}
