package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

// fallbackReply is delivered when generation fails but the user message has
// already been persisted. The turn is not an error from the client's view.
const fallbackReply = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

type chatRequest struct {
	Identity string `json:"identity"`
	Message  string `json:"message"`
	Domain   string `json:"domain"`
}

type chatResponse struct {
	Response string `json:"response"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	logger := logging.From(r.Context())

	if !s.limiter.Allow(clientKey(r)) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded, please slow down")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := ValidateIdentity(req.Identity); err != nil {
		respondError(w, http.StatusBadRequest, "identity must be 1-100 characters of letters, digits, underscore or hyphen")
		return
	}

	text := SanitizeText(req.Message)
	if err := ValidateMessage(text); err != nil {
		respondError(w, http.StatusBadRequest, "message must be 1-2000 characters")
		return
	}

	identity := model.Identity(req.Identity)
	profile := s.profile(req.Domain)

	reply, err := s.conversations.HandleTurn(r.Context(), profile, identity, text, model.ChannelChat)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUpstream):
			logger.Warn("generation failed, serving fallback",
				"identity", identity,
				"error", err,
			)
			reply = fallbackReply
			// The fallback is what the user actually reads; later turns
			// on any channel must see it in context.
			s.conversations.SaveAgentMessage(r.Context(), identity, reply, model.ChannelChat)

		default:
			logger.Error("chat turn failed", "identity", identity, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	if s.intents != nil {
		go s.intents.ProcessTurn(r.Context(), profile, identity, text, model.ChannelChat)
	}

	respondJSON(w, http.StatusOK, chatResponse{Response: reply})
}

type registerCallRequest struct {
	CallID   string `json:"call_id"`
	Identity string `json:"identity"`
}

func (s *Server) handleRegisterCall(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded, please slow down")
		return
	}

	var req registerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.CallID == "" || len(req.CallID) > 200 {
		respondError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	if err := ValidateIdentity(req.Identity); err != nil {
		respondError(w, http.StatusBadRequest, "identity must be 1-100 characters of letters, digits, underscore or hyphen")
		return
	}

	if err := s.repo.PutCallMapping(r.Context(), req.CallID, model.Identity(req.Identity)); err != nil {
		logging.From(r.Context()).Error("failed to register call mapping",
			"call_id", req.CallID,
			"error", err,
		)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	logging.From(r.Context()).Info("registered call mapping",
		"call_id", req.CallID,
		"identity", req.Identity,
	)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
