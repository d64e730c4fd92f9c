package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"farmchat/pkg/models"
	"farmchat/pkg/session"
)

// Feed dials the realtime gateway for conversation-scoped event streams.
// There is no automatic reconnect: when the connection drops the
// subscription channel closes and the owning session resyncs by loading
// a fresh page.
type Feed struct {
	base   string
	token  string
	dialer *websocket.Dialer
}

// NewFeed builds a gateway client. RealtimeURL and Token are required;
// the token identifies the participant during the upgrade handshake.
func NewFeed(opts Options) (*Feed, error) {
	if opts.RealtimeURL == "" {
		return nil, fmt.Errorf("client: realtime url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("client: participant token is required")
	}
	base := strings.TrimRight(opts.RealtimeURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return &Feed{
		base:  base,
		token: opts.Token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Subscribe opens one websocket for the conversation and returns a
// subscription backed by it.
func (f *Feed) Subscribe(ctx context.Context, conversationID string) (session.Subscription, error) {
	q := url.Values{}
	q.Set("conversation", conversationID)
	q.Set("token", f.token)
	endpoint := f.base + "/v1/realtime?" + q.Encode()

	conn, resp, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil, session.ErrNoConversation
			}
			return nil, &APIError{Status: resp.StatusCode, Message: "realtime handshake rejected"}
		}
		return nil, err
	}

	sub := &wsSubscription{
		conn: conn,
		ch:   make(chan models.Event, 32),
	}
	go sub.read()
	return sub, nil
}

type wsSubscription struct {
	conn *websocket.Conn
	ch   chan models.Event
	once sync.Once
}

func (s *wsSubscription) Events() <-chan models.Event { return s.ch }

// Close tears the connection down; the reader then closes the channel.
func (s *wsSubscription) Close() {
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// MarkRead sends a mark_read command over the open connection. The
// gateway applies it through the same ingest path as the REST endpoint.
func (s *wsSubscription) MarkRead(upToTS int64) error {
	return s.conn.WriteJSON(map[string]any{
		"type":     "mark_read",
		"up_to_ts": upToTS,
	})
}

// read pumps gateway events into the channel until the connection fails
// or closes. Malformed frames end the stream rather than being skipped;
// the server only sends well-formed events, so a decode error means the
// connection is broken.
func (s *wsSubscription) read() {
	defer close(s.ch)
	for {
		var ev models.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.Close()
			return
		}
		s.ch <- ev
	}
}
