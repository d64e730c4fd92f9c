package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"farmchat/pkg/auth"
	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
	"farmchat/pkg/validation"
)

// RegisterParticipants wires the participant endpoints onto the /v1
// router. Upserts are backend-only (the marketplace backend mirrors its
// user records here); lookups are open to any authenticated caller.
func RegisterParticipants(r *mux.Router, d Deps) {
	r.HandleFunc("/participants/{id}", d.getParticipant).Methods(http.MethodGet)
	r.HandleFunc("/participants", d.saveParticipant).Methods(http.MethodPost)
}

func (d Deps) getParticipant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := store.Participant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "participant not found")
		return
	}
	if err != nil {
		logger.Error("participant_get_failed", "id", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if d.Presence != nil {
		p.Online = d.Presence.Online(id)
	}
	_ = utils.JSONWrite(w, http.StatusOK, p)
}

func (d Deps) saveParticipant(w http.ResponseWriter, r *http.Request) {
	role := auth.RoleFromRequest(r)
	if role != auth.RoleBackend && role != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "backend key required")
		return
	}
	var p models.Participant
	if err := utils.DecodeJSON(w, r, &p, maxBodyBytes); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateParticipant(p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Online is presence-derived, never stored
	p.Online = false
	if err := store.SaveParticipant(r.Context(), p); err != nil {
		logger.Error("participant_save_failed", "id", p.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	logger.Info("participant_saved", "id", p.ID, "type", p.Type)
	_ = utils.JSONWrite(w, http.StatusOK, p)
}
