package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"farmchat/pkg/auth"
	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
)

// RegisterConversations wires the conversation endpoints onto the /v1
// router.
func RegisterConversations(r *mux.Router, d Deps) {
	r.HandleFunc("/conversations", d.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/with/{peer}", d.conversationWith).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", d.markRead).Methods(http.MethodPost)
}

// listConversations is the caller's inbox: conversations newest-activity
// first with unread counts.
func (d Deps) listConversations(w http.ResponseWriter, r *http.Request) {
	caller, code, msg := auth.ResolveSenderFromRequest(r, "")
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	sums, err := store.Conversations(r.Context(), caller)
	if err != nil {
		logger.Error("inbox_failed", "caller", caller, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sums == nil {
		sums = []models.ConversationSummary{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}{sums})
}

// conversationWith resolves the unordered pair (caller, peer). 404 means
// the pair never exchanged a message; no row is created by looking.
func (d Deps) conversationWith(w http.ResponseWriter, r *http.Request) {
	caller, code, msg := auth.ResolveSenderFromRequest(r, "")
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	peer := mux.Vars(r)["peer"]
	if peer == caller {
		utils.JSONError(w, http.StatusBadRequest, "peer must be a different participant")
		return
	}
	conv, err := store.FindConversation(r.Context(), caller, peer)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "no conversation with this participant")
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrInvalidPair) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("conversation_lookup_failed", "caller", caller, "peer", peer, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, conv)
}

type markReadRequest struct {
	UpToTS int64 `json:"up_to_ts"`
}

// markRead advances the caller's read watermark in a conversation. Only a
// member may mark; the watermark defaults to now when the body names none.
func (d Deps) markRead(w http.ResponseWriter, r *http.Request) {
	caller, code, msg := auth.ResolveSenderFromRequest(r, "")
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	convID := mux.Vars(r)["id"]

	var req markReadRequest
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	upTo := req.UpToTS
	if upTo <= 0 {
		upTo = time.Now().UTC().UnixNano()
	}

	conv, err := store.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Error("conversation_get_failed", "conversation", convID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !conv.Has(caller) {
		utils.JSONError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}

	flipped, err := d.Dispatcher.SubmitRead(r.Context(), convID, caller, upTo, map[string]string{"identity": caller})
	if err != nil {
		logger.Error("mark_read_failed", "conversation", convID, "reader", caller, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if d.Dispatcher.Async() {
		// applied later by the worker pool; the flipped count is unknown
		_ = utils.JSONWrite(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"updated": flipped})
}
