// Package client is the Go SDK for the chat service. Store speaks the
// REST API and satisfies session.MessageStore; Feed dials the realtime
// gateway and satisfies session.ChangeFeed, so a session.Session can run
// against a remote farmchatd unchanged.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"farmchat/pkg/models"
	"farmchat/pkg/session"
)

// Options configure a client. BaseURL is the REST listener
// (http://host:8080); RealtimeURL the gateway (ws://host:8091). APIKey is
// a frontend or backend key; Token the participant JWT identifying the
// caller.
type Options struct {
	BaseURL     string
	RealtimeURL string
	APIKey      string
	Token       string
	HTTPClient  *http.Client
}

// Store is the REST client.
type Store struct {
	base  string
	key   string
	token string
	hc    *http.Client
}

// NewStore builds the REST client.
func NewStore(opts Options) (*Store, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("client: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Store{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		key:   opts.APIKey,
		token: opts.Token,
		hc:    hc,
	}, nil
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// do runs one request and decodes the JSON answer into out (when non-nil).
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.key != "" {
		req.Header.Set("Authorization", "Bearer "+s.key)
	}
	if s.token != "" {
		req.Header.Set("X-Participant-Token", s.token)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendMessage submits content to the peer. The service answers 202 with
// the stored message; acceptance means queued, and the confirmed message
// also arrives on the change feed.
func (s *Store) SendMessage(ctx context.Context, receiverID, content, correlationID string) (models.Message, error) {
	var msg models.Message
	err := s.do(ctx, http.MethodPost, "/v1/messages", map[string]string{
		"receiver_id":    receiverID,
		"content":        content,
		"correlation_id": correlationID,
	}, &msg)
	return msg, err
}

// ConversationMessages returns one newest-first page of history with the
// peer. A pair with no conversation yet yields an empty page.
func (s *Store) ConversationMessages(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("with", otherID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var page struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/messages?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// FindConversation resolves the pair without creating anything. A 404
// maps to session.ErrNoConversation so the session treats it as a fresh
// chat.
func (s *Store) FindConversation(ctx context.Context, otherID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.do(ctx, http.MethodGet, "/v1/conversations/with/"+url.PathEscape(otherID), nil, &conv)
	var apiErr *APIError
	if err != nil {
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return models.Conversation{}, session.ErrNoConversation
		}
		return models.Conversation{}, err
	}
	return conv, nil
}

// Conversations returns the caller's inbox with unread counts.
func (s *Store) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// MarkRead advances the caller's read watermark in a conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID string, upToTS int64) error {
	return s.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string]int64{"up_to_ts": upToTS}, nil)
}

// Participant fetches reference data with the live online flag.
func (s *Store) Participant(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	err := s.do(ctx, http.MethodGet, "/v1/participants/"+url.PathEscape(id), nil, &p)
	return p, err
}

// MintToken asks for a participant token. Backend keys only.
func (s *Store) MintToken(ctx context.Context, participantID string, ttl time.Duration) (string, error) {
	body := map[string]any{"participant_id": participantID}
	if ttl > 0 {
		body["ttl_seconds"] = int64(ttl / time.Second)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/tokens", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// UseToken returns a copy of the store authenticated as the token's
// participant. The backend mints once, then hands user-scoped stores out.
func (s *Store) UseToken(token string) *Store {
	cp := *s
	cp.token = token
	return &cp
}
