package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"farmchat/pkg/api"
	"farmchat/pkg/api/handlers"
	"farmchat/pkg/auth"
	"farmchat/pkg/client"
	"farmchat/pkg/config"
	"farmchat/pkg/feed"
	"farmchat/pkg/gateway"
	"farmchat/pkg/ingest"
	"farmchat/pkg/session"
	"farmchat/pkg/store"
)

const (
	backendKey  = "bk-test"
	frontendKey = "fk-test"
)

// interface checks: a session must be able to run against the SDK
var (
	_ session.MessageStore = (*client.Store)(nil)
	_ session.ChangeFeed   = (*client.Feed)(nil)
)

// newTestServer runs the real handler stack, auth middleware included, so
// the client is exercised against exactly what production serves.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.OpenPebble(t.TempDir(), true)
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store.SetDefault(db)
	t.Cleanup(func() { _ = store.Close() })

	config.SetRuntime(&config.RuntimeConfig{TokenSecret: []byte("client-test-secret")})
	t.Cleanup(func() { config.SetRuntime(nil) })

	broker := feed.NewMemory(16)
	t.Cleanup(func() { _ = broker.Close() })
	disp := ingest.NewDispatcher(config.IngestConfig{}, broker)

	h := api.Handler(handlers.Deps{
		Dispatcher: disp,
		Presence:   gateway.NewPresence(),
		PageSize:   20,
		TokenTTL:   time.Hour,
	})
	wrapped := auth.AuthenticateRequestMiddleware(auth.SecConfig{
		BackendKeys:  map[string]struct{}{backendKey: {}},
		FrontendKeys: map[string]struct{}{frontendKey: {}},
	})(h)

	srv := httptest.NewServer(wrapped)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientBackendFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	backend, err := client.NewStore(client.Options{BaseURL: srv.URL, APIKey: backendKey})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// backend mints a token for the participant, then acts as them
	tok, err := backend.MintToken(ctx, "farmer-1", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	farmer := backend.UseToken(tok)

	sent, err := farmer.SendMessage(ctx, "buyer-2", "apples picked this morning", "corr-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Sender != "farmer-1" || sent.Conversation == "" {
		t.Fatalf("unexpected stored message: %+v", sent)
	}
	if sent.CorrelationID != "corr-1" {
		t.Fatalf("correlation id not echoed: %+v", sent)
	}

	msgs, err := farmer.ConversationMessages(ctx, "buyer-2", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("history = %+v, want the sent message", msgs)
	}

	conv, err := farmer.FindConversation(ctx, "buyer-2")
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if conv.ID != sent.Conversation {
		t.Fatalf("resolved %q, want %q", conv.ID, sent.Conversation)
	}

	// the receiver's inbox shows the unread message
	tokB, err := backend.MintToken(ctx, "buyer-2", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	buyer := backend.UseToken(tokB)
	sums, err := buyer.Conversations(ctx)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(sums) != 1 || sums[0].Unread != 1 || sums[0].Peer != "farmer-1" {
		t.Fatalf("inbox = %+v", sums)
	}

	if err := buyer.MarkRead(ctx, conv.ID, time.Now().UTC().UnixNano()); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	sums, err = buyer.Conversations(ctx)
	if err != nil {
		t.Fatalf("inbox after read: %v", err)
	}
	if sums[0].Unread != 0 {
		t.Fatalf("unread = %d after mark read, want 0", sums[0].Unread)
	}
}

func TestClientFindConversationMapsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	backend, err := client.NewStore(client.Options{BaseURL: srv.URL, APIKey: backendKey})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	tok, err := backend.MintToken(ctx, "farmer-1", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = backend.UseToken(tok).FindConversation(ctx, "nobody")
	if !errors.Is(err, session.ErrNoConversation) {
		t.Fatalf("err = %v, want session.ErrNoConversation", err)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	bad, err := client.NewStore(client.Options{BaseURL: srv.URL, APIKey: "wrong-key"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = bad.Conversations(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("err = %v, want 401 APIError", err)
	}

	// frontend keys cannot mint tokens
	fe, err := client.NewStore(client.Options{BaseURL: srv.URL, APIKey: frontendKey})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = fe.MintToken(ctx, "farmer-1", time.Hour)
	if !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Fatalf("err = %v, want 403 APIError", err)
	}
}

func TestClientParticipantLookup(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	backend, err := client.NewStore(client.Options{BaseURL: srv.URL, APIKey: backendKey})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	_, err = backend.Participant(ctx, "ghost")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
}
