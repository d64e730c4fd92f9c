package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"farmchat/pkg/auth"
	"farmchat/pkg/ingest"
	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/telemetry"
	"farmchat/pkg/utils"
	"farmchat/pkg/validation"
)

// RegisterMessages wires the message endpoints onto the /v1 router.
func RegisterMessages(r *mux.Router, d Deps) {
	r.HandleFunc("/messages", d.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages", d.listMessages).Methods(http.MethodGet)
}

type createMessageRequest struct {
	Sender        string `json:"sender_id,omitempty"`
	Receiver      string `json:"receiver_id"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// createMessage accepts one message into the write path. The conversation
// row for the pair is created here on the first send; the message itself
// goes through the dispatcher, so in async mode 202 means accepted, not
// yet applied.
func (d Deps) createMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "send_message")
	var req createMessageRequest
	if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	sender, code, msg := auth.ResolveSenderFromRequest(r, req.Sender)
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	if req.Receiver == "" {
		utils.JSONError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}
	if req.Receiver == sender {
		utils.JSONError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}

	conv, created, err := store.EnsureConversation(r.Context(), sender, req.Receiver)
	if err != nil {
		if errors.Is(err, store.ErrInvalidPair) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("conversation_ensure_failed", "sender", sender, "receiver", req.Receiver, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	m := models.Message{
		ID:            utils.GenID("msg"),
		Conversation:  conv.ID,
		Sender:        sender,
		Receiver:      req.Receiver,
		TS:            time.Now().UTC().UnixNano(),
		Content:       req.Content,
		CorrelationID: req.CorrelationID,
	}
	if err := validation.ValidateMessage(m); err != nil {
		metrics.SendFailures.Inc()
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := d.Dispatcher.SubmitMessage(r.Context(), m, map[string]string{"identity": sender}); err != nil {
		metrics.SendFailures.Inc()
		if errors.Is(err, ingest.ErrQueueFull) {
			logger.Warn("send_rejected_queue_full", "conversation", conv.ID)
			utils.JSONError(w, http.StatusServiceUnavailable, "send queue full, retry later")
			return
		}
		logger.Error("send_failed", "conversation", conv.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	logger.Info("message_accepted", "conversation", conv.ID, "id", m.ID,
		"sender", sender, "new_conversation", created)
	_ = utils.JSONWrite(w, http.StatusAccepted, m)
}

// listMessages returns one newest-first page of the caller's history with
// a peer. A pair that never exchanged a message answers with an empty page
// rather than 404: the chat screen opens the same way either way.
func (d Deps) listMessages(w http.ResponseWriter, r *http.Request) {
	caller, code, msg := auth.ResolveSenderFromRequest(r, "")
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	peer := r.URL.Query().Get("with")
	if peer == "" {
		utils.JSONError(w, http.StatusBadRequest, "with query parameter required")
		return
	}
	limit, offset := parsePage(r, d.pageSize())

	type page struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}

	conv, err := store.FindConversation(r.Context(), caller, peer)
	if errors.Is(err, store.ErrNotFound) {
		_ = utils.JSONWrite(w, http.StatusOK, page{Messages: []models.Message{}})
		return
	}
	if err != nil {
		logger.Error("conversation_lookup_failed", "caller", caller, "peer", peer, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs, err := store.ConversationMessages(r.Context(), conv.ID, limit, offset)
	if err != nil {
		logger.Error("messages_page_failed", "conversation", conv.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	logger.Debug("messages_page", "conversation", conv.ID, "count", len(msgs), "offset", offset)
	_ = utils.JSONWrite(w, http.StatusOK, page{Conversation: conv.ID, Messages: msgs})
}
