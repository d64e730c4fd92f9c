package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmchat/pkg/api"
	"farmchat/pkg/api/handlers"
	"farmchat/pkg/config"
	"farmchat/pkg/feed"
	"farmchat/pkg/gateway"
	"farmchat/pkg/ingest"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
)

// newTestHandler stands up the full /v1 router on a pebble store with a
// synchronous dispatcher, the way small deployments run. The auth
// middleware is not part of the router; tests set X-Role-Name the way the
// middleware would.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	db, err := store.OpenPebble(t.TempDir(), true)
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store.SetDefault(db)
	t.Cleanup(func() {
		_ = store.Close()
	})

	broker := feed.NewMemory(16)
	t.Cleanup(func() { _ = broker.Close() })
	disp := ingest.NewDispatcher(config.IngestConfig{}, broker)

	return api.Handler(handlers.Deps{
		Dispatcher: disp,
		Presence:   gateway.NewPresence(),
		PageSize:   20,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, role, sender string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("X-Role-Name", role)
	}
	if sender != "" {
		req.Header.Set("X-Sender-ID", sender)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sendMessage(t *testing.T, h http.Handler, sender, receiver, content string) models.Message {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/messages", "backend", "", map[string]string{
		"sender_id":   sender,
		"receiver_id": receiver,
		"content":     content,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send returned %d: %s", rec.Code, rec.Body.String())
	}
	var m models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	return m
}

func TestSendAndListMessages(t *testing.T) {
	h := newTestHandler(t)

	m1 := sendMessage(t, h, "farmer-1", "buyer-2", "tomatoes are ready")
	if m1.ID == "" || m1.Conversation == "" || m1.TS == 0 {
		t.Fatalf("send response incomplete: %+v", m1)
	}
	m2 := sendMessage(t, h, "buyer-2", "farmer-1", "how many crates?")
	if m2.Conversation != m1.Conversation {
		t.Fatalf("reply landed in a different conversation: %s vs %s", m2.Conversation, m1.Conversation)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/messages?with=buyer-2", "backend", "farmer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Conversation != m1.Conversation {
		t.Fatalf("page names conversation %q, want %q", page.Conversation, m1.Conversation)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	// newest first
	if page.Messages[0].ID != m2.ID || page.Messages[1].ID != m1.ID {
		t.Fatalf("page not newest-first: %s, %s", page.Messages[0].ID, page.Messages[1].ID)
	}
}

func TestListMessagesNoConversationIsEmptyPage(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/messages?with=stranger", "backend", "farmer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 empty page, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected empty page, got %d messages", len(page.Messages))
	}
}

func TestSendValidation(t *testing.T) {
	h := newTestHandler(t)

	// missing receiver
	rec := doJSON(t, h, http.MethodPost, "/v1/messages", "backend", "", map[string]string{
		"sender_id": "farmer-1",
		"content":   "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing receiver: got %d", rec.Code)
	}

	// self-send
	rec = doJSON(t, h, http.MethodPost, "/v1/messages", "backend", "", map[string]string{
		"sender_id":   "farmer-1",
		"receiver_id": "farmer-1",
		"content":     "hello me",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self send: got %d", rec.Code)
	}

	// frontend without a participant token
	rec = doJSON(t, h, http.MethodPost, "/v1/messages", "frontend", "", map[string]string{
		"receiver_id": "buyer-2",
		"content":     "hello",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("frontend without token: got %d, want 401", rec.Code)
	}
}

func TestMarkReadSync(t *testing.T) {
	h := newTestHandler(t)

	m1 := sendMessage(t, h, "farmer-1", "buyer-2", "one")
	sendMessage(t, h, "farmer-1", "buyer-2", "two")

	// a non-member may not mark
	rec := doJSON(t, h, http.MethodPost, "/v1/conversations/"+m1.Conversation+"/read", "backend", "lurker", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member mark: got %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/conversations/"+m1.Conversation+"/read", "backend", "buyer-2",
		map[string]int64{"up_to_ts": time.Now().UTC().UnixNano()})
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Updated int `json:"updated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode mark response: %v", err)
	}
	if resp.Updated != 2 {
		t.Fatalf("expected 2 flipped, got %d", resp.Updated)
	}

	// unknown conversation
	rec = doJSON(t, h, http.MethodPost, "/v1/conversations/conv-nope/read", "backend", "buyer-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: got %d, want 404", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	h := newTestHandler(t)

	m := sendMessage(t, h, "farmer-1", "buyer-2", "fresh eggs")

	rec := doJSON(t, h, http.MethodGet, "/v1/conversations", "backend", "buyer-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inbox: got %d: %s", rec.Code, rec.Body.String())
	}
	var inbox struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &inbox); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if len(inbox.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(inbox.Conversations))
	}
	sum := inbox.Conversations[0]
	if sum.Peer != "farmer-1" {
		t.Fatalf("peer = %q, want farmer-1", sum.Peer)
	}
	if sum.Unread != 1 {
		t.Fatalf("unread = %d, want 1", sum.Unread)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/conversations/with/farmer-1", "backend", "buyer-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("with: got %d: %s", rec.Code, rec.Body.String())
	}
	var conv models.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.ID != m.Conversation {
		t.Fatalf("resolved %q, want %q", conv.ID, m.Conversation)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/conversations/with/stranger", "backend", "buyer-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown peer: got %d, want 404", rec.Code)
	}
}

func TestParticipantTokenFlow(t *testing.T) {
	config.SetRuntime(&config.RuntimeConfig{TokenSecret: []byte("test-secret")})
	t.Cleanup(func() { config.SetRuntime(nil) })
	h := newTestHandler(t)

	// frontend keys never mint
	rec := doJSON(t, h, http.MethodPost, "/v1/tokens", "frontend", "", map[string]string{"participant_id": "buyer-2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("frontend mint: got %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/tokens", "backend", "", map[string]any{
		"participant_id": "buyer-2",
		"ttl_seconds":    int64(3600),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mint: got %d: %s", rec.Code, rec.Body.String())
	}
	var minted struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &minted); err != nil {
		t.Fatalf("decode mint response: %v", err)
	}
	if minted.Token == "" {
		t.Fatalf("empty token")
	}

	// the token identifies the sender; no sender field needed
	body, _ := json.Marshal(map[string]string{
		"receiver_id": "farmer-1",
		"content":     "is the honey still available?",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Participant-Token", minted.Token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("token send: got %d: %s", w.Code, w.Body.String())
	}
	var m models.Message
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if m.Sender != "buyer-2" {
		t.Fatalf("sender = %q, want buyer-2 (from token)", m.Sender)
	}

	// a body sender conflicting with the token is rejected
	body, _ = json.Marshal(map[string]string{
		"sender_id":   "someone-else",
		"receiver_id": "farmer-1",
		"content":     "spoof",
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Participant-Token", minted.Token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("spoofed sender: got %d, want 403", w.Code)
	}

	// garbage tokens are rejected before any handler runs
	req = httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Participant-Token", "not-a-jwt")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d, want 401", w.Code)
	}
}

func TestParticipantEndpoints(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/participants/ghost", "backend", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown participant: got %d, want 404", rec.Code)
	}

	// frontend keys may not upsert
	rec = doJSON(t, h, http.MethodPost, "/v1/participants", "frontend", "", models.Participant{ID: "farmer-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("frontend upsert: got %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/participants", "backend", "", models.Participant{
		ID: "farmer-1", Name: "Rosa's Farm", Type: "farmer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/participants/farmer-1", "backend", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d: %s", rec.Code, rec.Body.String())
	}
	var p models.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode participant: %v", err)
	}
	if p.Name != "Rosa's Farm" || p.Online {
		t.Fatalf("unexpected participant: %+v", p)
	}
}

func TestSendShedsLoadWhenQueueFull(t *testing.T) {
	db, err := store.OpenPebble(t.TempDir(), true)
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store.SetDefault(db)
	t.Cleanup(func() { _ = store.Close() })

	// async dispatcher with a tiny queue and no running workers
	disp := ingest.NewDispatcher(config.IngestConfig{
		Async: true,
		Queue: config.QueueConfig{Capacity: 1},
	}, nil)
	h := api.Handler(handlers.Deps{Dispatcher: disp, PageSize: 20})

	ok := doJSON(t, h, http.MethodPost, "/v1/messages", "backend", "", map[string]string{
		"sender_id": "farmer-1", "receiver_id": "buyer-2", "content": "first",
	})
	if ok.Code != http.StatusAccepted {
		t.Fatalf("first send: got %d: %s", ok.Code, ok.Body.String())
	}
	full := doJSON(t, h, http.MethodPost, "/v1/messages", "backend", "", map[string]string{
		"sender_id": "farmer-1", "receiver_id": "buyer-2", "content": "second",
	})
	if full.Code != http.StatusServiceUnavailable {
		t.Fatalf("full queue: got %d, want 503", full.Code)
	}
	disp.Stop(context.Background())
}
