package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
	"farmchat/pkg/models"
)

// command is the inbound client frame. Only mark_read is understood;
// sending goes through the REST API.
type command struct {
	Type   string `json:"type"`
	UpToTS int64  `json:"up_to_ts,omitempty"`
}

// client is one upgraded connection. Three goroutines per connection:
// forward moves broker events into the send buffer, writePump drains the
// buffer plus a ping ticker, readPump consumes control frames and
// commands. Any of them tearing down stops the other two.
type client struct {
	gw           *Gateway
	conn         *websocket.Conn
	sub          *feed.Subscription
	send         chan models.Event
	conversation string
	participant  string
	once         sync.Once
}

// teardown closes the subscription and the connection exactly once.
func (c *client) teardown() {
	c.once.Do(func() {
		c.gw.presence.Remove(c.participant)
		metrics.GatewayConnections.Dec()
		c.sub.Close()
		c.conn.Close()
		logger.Info("realtime_disconnected", "conversation", c.conversation, "participant", c.participant)
	})
}

// forward moves events from the subscription into the send buffer. A
// client whose buffer stays full past the write timeout is disconnected;
// anything still queued on the subscription is then discarded so the
// broker side drains promptly.
func (c *client) forward() {
	defer close(c.send)
	dead := false
	for ev := range c.sub.Events() {
		if dead {
			continue
		}
		select {
		case c.send <- ev:
			continue
		default:
		}
		t := time.NewTimer(c.gw.writeWait)
		select {
		case c.send <- ev:
			t.Stop()
		case <-t.C:
			logger.Warn("realtime_slow_client_dropped", "conversation", c.conversation, "participant", c.participant)
			c.teardown()
			dead = true
		}
	}
}

// writePump drains the send buffer into the connection and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeWait))
			if !ok {
				// subscription ended (broker shutdown or teardown)
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and mark_read commands until the
// connection drops.
func (c *client) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("realtime_read_failed", "conversation", c.conversation, "participant", c.participant, "error", err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Debug("realtime_bad_command", "conversation", c.conversation, "error", err)
			continue
		}
		switch cmd.Type {
		case "mark_read":
			if c.gw.reads == nil {
				logger.Warn("realtime_mark_read_unsupported", "conversation", c.conversation)
				continue
			}
			upTo := cmd.UpToTS
			if upTo <= 0 {
				upTo = time.Now().UTC().UnixNano()
			}
			if _, err := c.gw.reads.SubmitRead(context.Background(), c.conversation, c.participant,
				upTo, map[string]string{"identity": c.participant}); err != nil {
				logger.Warn("realtime_mark_read_failed", "conversation", c.conversation, "participant", c.participant, "error", err)
			}
		default:
			logger.Debug("realtime_unknown_command", "type", cmd.Type, "conversation", c.conversation)
		}
	}
}
