package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"farmchat/pkg/auth"
	"farmchat/pkg/logger"
	"farmchat/pkg/utils"
)

// RegisterTokens wires token minting onto the /v1 router. Minting is
// backend-only: the marketplace backend authenticates its user, then asks
// for a chat token on their behalf. Frontend keys never mint.
func RegisterTokens(r *mux.Router, d Deps) {
	r.HandleFunc("/tokens", d.mintToken).Methods(http.MethodPost)
}

type mintTokenRequest struct {
	Participant string `json:"participant_id"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
}

func (d Deps) mintToken(w http.ResponseWriter, r *http.Request) {
	role := auth.RoleFromRequest(r)
	if role != auth.RoleBackend && role != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "backend key required")
		return
	}
	var req mintTokenRequest
	if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Participant == "" {
		utils.JSONError(w, http.StatusBadRequest, "participant_id is required")
		return
	}
	ttl := d.TokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	tok, err := auth.MintParticipantToken(req.Participant, ttl)
	if err != nil {
		if errors.Is(err, auth.ErrTokenAuthDisabled) {
			utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		logger.Error("token_mint_failed", "participant", req.Participant, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	logger.Info("token_minted", "participant", req.Participant, "ttl", ttl.String())
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}{tok, time.Now().Add(ttl).Unix()})
}
