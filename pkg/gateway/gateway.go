// Package gateway is the realtime websocket endpoint: one connection per
// open conversation, authorized by participant token, fed from the change
// feed broker. Inbound traffic is limited to control frames and mark_read
// commands; messages are sent over the REST API.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"farmchat/pkg/auth"
	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 64
	maxCommandBytes   = 1024
)

// ConversationLookup resolves conversation ids for the membership check.
// *store.Pebble and the postgres driver both satisfy it.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

// ReadSubmitter accepts mark_read commands; the ingest dispatcher
// implements it.
type ReadSubmitter interface {
	SubmitRead(ctx context.Context, conversation, reader string, upToTS int64, extras map[string]string) (int, error)
}

// Options tune the connection pumps.
type Options struct {
	// PingInterval is how often the writer pings; the read deadline is
	// derived from it with headroom.
	PingInterval time.Duration
	// WriteTimeout bounds every frame write; a client that cannot drain
	// within it is disconnected.
	WriteTimeout time.Duration
	// SendBuffer is the per-connection event buffer between the broker
	// and the writer.
	SendBuffer int
	// AllowedOrigins gates the upgrade handshake; empty allows all
	// (non-browser clients send no Origin).
	AllowedOrigins []string
}

// Gateway upgrades authorized requests and runs their pumps.
type Gateway struct {
	broker   feed.Broker
	convs    ConversationLookup
	reads    ReadSubmitter
	presence *Presence
	upgrader websocket.Upgrader

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	sendBuffer int
}

// New wires the gateway. reads may be nil when the deployment has no
// ingest pipeline; mark_read commands are then rejected.
func New(broker feed.Broker, convs ConversationLookup, reads ReadSubmitter, opts Options) *Gateway {
	writeWait := opts.WriteTimeout
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pingPeriod := opts.PingInterval
	pongWait := defaultPongWait
	if pingPeriod <= 0 {
		pingPeriod = pongWait * 9 / 10
	} else {
		// read deadline must outlast the ping period
		pongWait = pingPeriod * 10 / 9
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	g := &Gateway{
		broker:     broker,
		convs:      convs,
		reads:      reads,
		presence:   NewPresence(),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		sendBuffer: sendBuffer,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(opts.AllowedOrigins) == 0 {
				return true
			}
			for _, a := range opts.AllowedOrigins {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
	return g
}

// Presence exposes the connected-participant registry.
func (g *Gateway) Presence() *Presence {
	return g.presence
}

// HandleRealtime authorizes and upgrades GET /v1/realtime requests.
// Authorization failures answer with plain HTTP statuses before the
// upgrade; after it the connection speaks only websocket.
func (g *Gateway) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation")
	if convID == "" {
		utils.JSONError(w, http.StatusBadRequest, "conversation query parameter required")
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = r.Header.Get("X-Participant-Token")
	}
	participant, err := auth.VerifyParticipantToken(tok)
	if err != nil {
		logger.Warn("realtime_unauthorized", "conversation", convID, "remote", r.RemoteAddr, "error", err)
		utils.JSONError(w, http.StatusUnauthorized, "invalid participant token")
		return
	}

	conv, err := g.convs.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Error("realtime_lookup_failed", "conversation", convID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if participant != conv.UserLo && participant != conv.UserHi {
		logger.Warn("realtime_forbidden", "conversation", convID, "participant", participant)
		utils.JSONError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}

	sub, err := g.broker.Subscribe(r.Context(), convID)
	if err != nil {
		logger.Error("realtime_subscribe_failed", "conversation", convID, "error", err)
		utils.JSONError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error
		sub.Close()
		logger.Warn("realtime_upgrade_failed", "conversation", convID, "error", err)
		return
	}

	c := &client{
		gw:           g,
		conn:         conn,
		sub:          sub,
		send:         make(chan models.Event, g.sendBuffer),
		conversation: convID,
		participant:  participant,
	}
	g.presence.Add(participant)
	metrics.GatewayConnections.Inc()
	logger.Info("realtime_connected", "conversation", convID, "participant", participant)

	go c.forward()
	go c.writePump()
	go c.readPump()
}
