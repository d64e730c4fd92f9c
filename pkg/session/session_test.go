package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"farmchat/pkg/models"
)

// fakeStore implements MessageStore with overridable behavior per test.
type fakeStore struct {
	findFn func(ctx context.Context, otherID string) (models.Conversation, error)
	pageFn func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error)
	sendFn func(ctx context.Context, receiverID, content, corr string) (models.Message, error)

	fetches int32
}

func (f *fakeStore) FindConversation(ctx context.Context, otherID string) (models.Conversation, error) {
	if f.findFn == nil {
		return models.Conversation{}, ErrNoConversation
	}
	return f.findFn(ctx, otherID)
}

func (f *fakeStore) ConversationMessages(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.pageFn == nil {
		return nil, nil
	}
	return f.pageFn(ctx, otherID, limit, offset)
}

func (f *fakeStore) SendMessage(ctx context.Context, receiverID, content, corr string) (models.Message, error) {
	if f.sendFn == nil {
		return models.Message{}, errors.New("send not configured")
	}
	return f.sendFn(ctx, receiverID, content, corr)
}

func (f *fakeStore) fetchCount() int32 { return atomic.LoadInt32(&f.fetches) }

// fakeFeed hands out in-memory subscriptions the test can push into.
type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSub
}

type fakeSub struct {
	ch   chan models.Event
	once sync.Once
}

func (s *fakeSub) Events() <-chan models.Event { return s.ch }
func (s *fakeSub) Close()                      { s.once.Do(func() { close(s.ch) }) }
func (s *fakeSub) push(ev models.Event)        { s.ch <- ev }

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{ch: make(chan models.Event, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// fakeCache is an in-memory HistoryCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]models.Message
}

func (c *fakeCache) Tail(conv string, limit int) ([]models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.data[conv]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message(nil), msgs...), nil
}

func (c *fakeCache) Put(conv string, msgs ...models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]models.Message{}
	}
	c.data[conv] = append(c.data[conv], msgs...)
	return nil
}

func (c *fakeCache) has(conv, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.data[conv] {
		if m.ID == id {
			return true
		}
	}
	return false
}

// history builds n stored messages with ascending timestamps; ts(i) =
// (i+1)*1000 for message i, alternating sender.
func history(conv string, n int) []models.Message {
	out := make([]models.Message, n)
	for i := 0; i < n; i++ {
		sender, receiver := "farmer-1", "buyer-1"
		if i%2 == 1 {
			sender, receiver = receiver, sender
		}
		out[i] = models.Message{
			ID:           fmt.Sprintf("msg-%04d", i+1),
			Conversation: conv,
			Sender:       sender,
			Receiver:     receiver,
			TS:           int64(i+1) * 1000,
			Content:      fmt.Sprintf("message %d", i+1),
		}
	}
	return out
}

// pageOf slices a newest-first page out of ascending history.
func pageOf(all []models.Message, limit, offset int) []models.Message {
	var page []models.Message
	for i := len(all) - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, all[i])
	}
	return page
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenFreshChat(t *testing.T) {
	st := &fakeStore{}
	fd := &fakeFeed{}
	s, err := New(st, fd, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", s.Status())
	}
	if s.Exists() || s.ConversationID() != "" {
		t.Fatalf("fresh chat must not have a conversation")
	}
	if got := s.Messages(); len(got) != 0 {
		t.Fatalf("fresh chat has %d messages", len(got))
	}
	if s.HasMore() {
		t.Fatalf("fresh chat cannot have older history")
	}
	if fd.count() != 0 {
		t.Fatalf("must not subscribe without a conversation id")
	}
}

func TestOpenExistingConversation(t *testing.T) {
	all := history("conv-1", 25)
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1", UserLo: "buyer-1", UserHi: "farmer-1"}, nil
		},
		pageFn: func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
			return pageOf(all, limit, offset), nil
		},
	}
	fd := &fakeFeed{}
	s, err := New(st, fd, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	got := s.Messages()
	if len(got) != 20 {
		t.Fatalf("first page = %d entries, want 20", len(got))
	}
	// newest 20 of 25, ascending: msg-0006 .. msg-0025
	if got[0].Msg.ID != "msg-0006" || got[19].Msg.ID != "msg-0025" {
		t.Fatalf("page window wrong: %s .. %s", got[0].Msg.ID, got[19].Msg.ID)
	}
	assertAscending(t, got)
	if !s.HasMore() {
		t.Fatalf("25 messages with page 20 must leave more history")
	}
	if fd.count() != 1 {
		t.Fatalf("subscriptions = %d, want 1", fd.count())
	}
}

func TestOpenLookupErrorIsTerminal(t *testing.T) {
	boom := errors.New("lookup down")
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{}, boom
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("open err = %v, want %v", err, boom)
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %v, want error", s.Status())
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("Err() = %v", s.Err())
	}
	// terminal: no operation works, no retry happens
	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send on failed session = %v, want ErrNotReady", err)
	}
	before := st.fetchCount()
	if err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("load older should be a no-op, got %v", err)
	}
	if st.fetchCount() != before {
		t.Fatalf("failed session must not fetch")
	}
}

func TestSendFreshChatScenario(t *testing.T) {
	var midFlight []Entry
	st := &fakeStore{}
	fd := &fakeFeed{}
	s, err := New(st, fd, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	st.sendFn = func(ctx context.Context, receiverID, content, corr string) (models.Message, error) {
		// snapshot the list while the send is in flight
		midFlight = s.Messages()
		return models.Message{
			ID:            "msg-1",
			Conversation:  "conv-1",
			Sender:        "buyer-1",
			Receiver:      receiverID,
			TS:            time.Now().UTC().UnixNano(),
			Content:       content,
			CorrelationID: corr,
		}, nil
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Exists() {
		t.Fatalf("conversation must not exist before first send")
	}

	msg, err := s.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "msg-1" {
		t.Fatalf("send returned %+v", msg)
	}

	// the placeholder was visible while the send was in flight
	if len(midFlight) != 1 || midFlight[0].Kind != Pending || midFlight[0].Msg.Content != "Hello" {
		t.Fatalf("mid-flight list = %+v", midFlight)
	}

	// after confirmation the list collapses to the authoritative entry
	got := s.Messages()
	if len(got) != 1 || got[0].Kind != Confirmed || got[0].Msg.ID != "msg-1" {
		t.Fatalf("post-send list = %+v", got)
	}
	if !s.Exists() || s.ConversationID() != "conv-1" {
		t.Fatalf("first send should establish the conversation")
	}
	// the subscription opens once the conversation id is known
	waitFor(t, "subscription", func() bool { return fd.count() == 1 })

	// first update was the optimistic tail growth
	select {
	case up := <-s.Updates():
		if !up.TailGrew {
			t.Fatalf("first update should report tail growth")
		}
	default:
		t.Fatalf("expected a pending update notification")
	}
}

func TestSendFailureKeepsPlaceholder(t *testing.T) {
	st := &fakeStore{
		sendFn: func(ctx context.Context, receiverID, content, corr string) (models.Message, error) {
			return models.Message{}, errors.New("backend down")
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := s.Send(context.Background(), "are you there?"); err == nil {
		t.Fatalf("expected send error")
	}
	got := s.Messages()
	if len(got) != 1 || got[0].Kind != Pending || got[0].Msg.Content != "are you there?" {
		t.Fatalf("placeholder should remain for manual retry: %+v", got)
	}
}

func TestRealtimeBridgeFiltersAndMerges(t *testing.T) {
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
	}
	fd := &fakeFeed{}
	s, err := New(st, fd, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := fd.last()
	if sub == nil {
		t.Fatalf("no subscription")
	}

	// an event for another pair is dropped by the defensive filter
	sub.push(models.Event{Type: models.EventMessageCreated, Conversation: "conv-1", Message: &models.Message{
		ID: "msg-x", Sender: "farmer-2", Receiver: "buyer-2", TS: 1, Content: "wrong pair",
	}})
	// a real message lands
	m := models.Message{ID: "msg-1", Conversation: "conv-1", Sender: "farmer-1", Receiver: "buyer-1", TS: 2, Content: "tomatoes in"}
	sub.push(models.Event{Type: models.EventMessageCreated, Conversation: "conv-1", Message: &m})
	// at-least-once: the same event again must not grow the list
	sub.push(models.Event{Type: models.EventMessageCreated, Conversation: "conv-1", Message: &m})

	waitFor(t, "delivery", func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Msg.ID == "msg-1"
	})
	// give the duplicate a moment to mis-apply if it ever would
	time.Sleep(50 * time.Millisecond)
	if got := s.Messages(); len(got) != 1 {
		t.Fatalf("duplicate event grew the list: %+v", got)
	}

	// read receipt flips the flag on delivered mail
	sub.push(models.Event{Type: models.EventMessageRead, Conversation: "conv-1", Reader: "buyer-1", UpToTS: 2})
	waitFor(t, "read flag", func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Msg.Read
	})
}

func TestLoadOlderTerminatesOnShortPage(t *testing.T) {
	all := history("conv-1", 25)
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
		pageFn: func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
			return pageOf(all, limit, offset), nil
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("load older: %v", err)
	}
	got := s.Messages()
	if len(got) != 25 {
		t.Fatalf("after one older page len = %d, want 25", len(got))
	}
	if got[0].Msg.ID != "msg-0001" {
		t.Fatalf("oldest should be msg-0001, got %s", got[0].Msg.ID)
	}
	assertAscending(t, got)
	if s.HasMore() {
		t.Fatalf("short page must clear hasMore for good")
	}

	// exhausted history: further calls must not fetch
	before := st.fetchCount()
	for i := 0; i < 3; i++ {
		if err := s.LoadOlder(context.Background()); err != nil {
			t.Fatalf("load older after end: %v", err)
		}
	}
	if st.fetchCount() != before {
		t.Fatalf("fetched after hasMore went false")
	}
}

func TestLoadOlderSingleFlight(t *testing.T) {
	all := history("conv-1", 40)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
	}
	st.pageFn = func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
		if offset > 0 {
			once.Do(func() { close(started) })
			<-release
		}
		return pageOf(all, limit, offset), nil
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	fetchesAfterOpen := st.fetchCount()

	done := make(chan error, 1)
	go func() { done <- s.LoadOlder(context.Background()) }()
	<-started

	// a second call while one is in flight must not fetch
	if err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("concurrent load older: %v", err)
	}
	if got := st.fetchCount(); got != fetchesAfterOpen+1 {
		t.Fatalf("fetches = %d, want %d", got, fetchesAfterOpen+1)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("load older: %v", err)
	}
	if len(s.Messages()) != 40 {
		t.Fatalf("len = %d, want 40", len(s.Messages()))
	}
}

func TestLoadOlderFailureIsRetryable(t *testing.T) {
	all := history("conv-1", 25)
	var failNext int32 = 1
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
		pageFn: func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
			if offset > 0 && atomic.CompareAndSwapInt32(&failNext, 1, 0) {
				return nil, errors.New("timeout")
			}
			return pageOf(all, limit, offset), nil
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.LoadOlder(context.Background()); err == nil {
		t.Fatalf("expected pagination failure")
	}
	if !s.HasMore() {
		t.Fatalf("failure must not consume hasMore")
	}
	if len(s.Messages()) != 20 {
		t.Fatalf("failed page must not change the list")
	}

	// guard was cleared: the retry succeeds
	if err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(s.Messages()) != 25 {
		t.Fatalf("len = %d, want 25", len(s.Messages()))
	}
}

func TestPrependSkipsOverlap(t *testing.T) {
	all := history("conv-1", 4) // msg-0001..msg-0004
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
	}
	// first page: newest 2 (msg-0004, msg-0003); older page drifted to
	// overlap: returns (msg-0003, msg-0002, msg-0001)... window shifted
	st.pageFn = func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
		if offset == 0 {
			return pageOf(all, limit, 0), nil
		}
		return pageOf(all, limit, offset-1), nil
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1", WithPageSize(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("load older: %v", err)
	}
	got := s.Messages()
	seen := map[string]int{}
	for _, e := range got {
		seen[e.Msg.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("%s appears %d times", id, n)
		}
	}
	assertAscending(t, got)
}

func TestOpenShowsCachedTailThenReconciles(t *testing.T) {
	all := history("conv-1", 3)
	cache := &fakeCache{data: map[string][]models.Message{
		"conv-1": {all[0], all[1]}, // a previous run saw the first two
	}}
	started := make(chan struct{})
	release := make(chan struct{})
	st := &fakeStore{
		findFn: func(ctx context.Context, otherID string) (models.Conversation, error) {
			return models.Conversation{ID: "conv-1"}, nil
		},
		pageFn: func(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
			close(started)
			<-release
			return pageOf(all, limit, offset), nil
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1", WithPageSize(2), WithHistoryCache(cache))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	<-started

	// the cached tail is visible while the page is still in flight
	preview := s.Messages()
	if len(preview) != 2 || preview[0].Msg.ID != "msg-0001" || preview[1].Msg.ID != "msg-0002" {
		t.Fatalf("preview = %+v", preview)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}
	// authoritative newest page (msg-0002, msg-0003) merged over the
	// preview without duplicating the overlap
	got := s.Messages()
	if len(got) != 3 {
		t.Fatalf("reconciled len = %d, want 3", len(got))
	}
	assertAscending(t, got)
	if !cache.has("conv-1", "msg-0003") {
		t.Fatalf("newest page was not written back")
	}
}

func TestConfirmedSendWritesBackToCache(t *testing.T) {
	cache := &fakeCache{}
	st := &fakeStore{
		sendFn: func(ctx context.Context, receiverID, content, corr string) (models.Message, error) {
			return models.Message{
				ID: "msg-1", Conversation: "conv-1", Sender: "buyer-1",
				Receiver: receiverID, TS: 1000, Content: content, CorrelationID: corr,
			}, nil
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1", WithHistoryCache(cache))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Send(context.Background(), "fresh spinach?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !cache.has("conv-1", "msg-1") {
		t.Fatalf("confirmed send missing from cache")
	}
}

func TestCloseCancelsInFlightSend(t *testing.T) {
	st := &fakeStore{
		sendFn: func(ctx context.Context, receiverID, content, corr string) (models.Message, error) {
			<-ctx.Done()
			return models.Message{}, ctx.Err()
		},
	}
	s, err := New(st, &fakeFeed{}, "buyer-1", "farmer-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "going once")
		done <- err
	}()
	// let the send reach the store before closing
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("send err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not cancel the in-flight send")
	}
	if s.Status() != StatusClosed {
		t.Fatalf("status = %v, want closed", s.Status())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
