// Package session implements the client-side state of one open chat: the
// conversation lookup on open, optimistic sends, live updates from the
// change feed and backward pagination, all reconciled into a single
// ordered message list.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/utils"
)

// ErrNoConversation is returned by MessageStore.FindConversation when the
// pair has never exchanged a message. The session treats it as a fresh
// chat, not a failure.
var ErrNoConversation = errors.New("session: no conversation yet")

// ErrClosed is returned by operations on a closed or never-opened session.
var ErrClosed = errors.New("session: closed")

// ErrNotReady is returned when an operation needs a successfully opened
// session.
var ErrNotReady = errors.New("session: not ready")

// MessageStore is the session's view of the message backend. The HTTP
// client implements it over the REST API; in-process callers can wrap the
// storage layer directly.
type MessageStore interface {
	// SendMessage submits content to the peer and returns the stored
	// message. The first successful send for a pair creates the
	// conversation as a side effect; the returned message carries its id.
	// correlationID is echoed back on the stored message and its feed
	// event.
	SendMessage(ctx context.Context, receiverID, content, correlationID string) (models.Message, error)

	// ConversationMessages returns one page of the pair's history,
	// newest first; offset 0 is the newest message.
	ConversationMessages(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error)

	// FindConversation resolves the pair to its conversation without
	// creating one, or returns ErrNoConversation.
	FindConversation(ctx context.Context, otherID string) (models.Conversation, error)
}

// Subscription is a live event stream scoped to one conversation.
type Subscription interface {
	Events() <-chan models.Event
	Close()
}

// ChangeFeed hands out conversation-scoped subscriptions. Close must be
// idempotent on the returned subscription.
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

// HistoryCache is an optional local store of confirmed messages. When set,
// Open shows the cached tail before the first authoritative page arrives
// and confirmed messages are written back best-effort.
type HistoryCache interface {
	Tail(conversationID string, limit int) ([]models.Message, error)
	Put(conversationID string, msgs ...models.Message) error
}

// Status is the lifecycle state a session exposes to its UI.
type Status int

const (
	StatusIdle   Status = iota // created, Open not called yet
	StatusReady                // opened; messages usable
	StatusError                // initialization failed; terminal for this session
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error initializing"
	default:
		return "closed"
	}
}

// Update tells the UI the list changed. TailGrew means the newest end
// extended, which is the cue to scroll to the bottom.
type Update struct {
	TailGrew bool
}

// DefaultPageSize is the history page size when no option overrides it.
const DefaultPageSize = 20

// Option customizes a Session.
type Option func(*Session)

// WithPageSize overrides the history page size.
func WithPageSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithHistoryCache attaches a local history cache.
func WithHistoryCache(c HistoryCache) Option {
	return func(s *Session) {
		s.cache = c
	}
}

// Session owns the state of one open chat between self and other. All
// exported methods are safe for concurrent use; list changes are
// serialized under one mutex so merges never interleave.
//
// Older pages are addressed by offset from the newest message, so messages
// arriving between two loads shift the window; the prepend step drops ids
// it already holds, which turns that drift into harmless overlap.
type Session struct {
	store    MessageStore
	feed     ChangeFeed
	cache    HistoryCache
	self     string
	other    string
	pageSize int

	// lifetime context; cancelled by Close so in-flight calls stop
	// instead of resolving into a dead session
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	initErr     error
	opening     bool
	convID      string
	exists      bool
	entries     []Entry
	hasMore     bool
	offset      int
	loading     bool
	subscribing bool
	sub         Subscription

	updates chan Update
}

// New builds a session for the participant pair. The collaborators are
// injected so tests can substitute fakes. Open must be called before use.
func New(store MessageStore, feed ChangeFeed, selfID, otherID string, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: nil message store")
	}
	if selfID == "" || otherID == "" {
		return nil, errors.New("session: both participant ids are required")
	}
	if selfID == otherID {
		return nil, errors.New("session: participants must be distinct")
	}
	s := &Session{
		store:    store,
		feed:     feed,
		self:     selfID,
		other:    otherID,
		pageSize: DefaultPageSize,
		updates:  make(chan Update, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// scope derives a context cancelled when either the caller's context or
// the session's lifetime ends.
func (s *Session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() { stop(); cancel() }
}

// Open looks up the conversation for the pair and loads the first page of
// history. A missing conversation is a fresh chat: no row is created until
// the first send. A lookup or page-load failure is terminal for this
// session; the caller opens a new one to retry.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle || s.opening {
		status := s.status
		s.mu.Unlock()
		if status == StatusClosed {
			return ErrClosed
		}
		return errors.New("session: already opened")
	}
	s.opening = true
	s.mu.Unlock()

	ctx, cancel := s.scope(ctx)
	defer cancel()

	conv, err := s.store.FindConversation(ctx, s.other)
	if errors.Is(err, ErrNoConversation) {
		s.mu.Lock()
		s.opening = false
		if s.status == StatusIdle {
			s.status = StatusReady
		}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.fail(err)
		return err
	}

	// show the cached tail while the authoritative page is in flight
	if s.cache != nil {
		if tail, cerr := s.cache.Tail(conv.ID, s.pageSize); cerr == nil && len(tail) > 0 {
			s.mu.Lock()
			if s.status == StatusIdle {
				s.entries = Merge(nil, tail)
				s.mu.Unlock()
				s.notify(true)
			} else {
				s.mu.Unlock()
			}
		}
	}

	page, err := s.store.ConversationMessages(ctx, s.other, s.pageSize, 0)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.opening = false
	if s.status != StatusIdle {
		// closed while opening; the loaded page is discarded
		s.mu.Unlock()
		return ErrClosed
	}
	s.convID = conv.ID
	s.exists = true
	s.entries = Merge(s.entries, page)
	s.hasMore = len(page) == s.pageSize
	s.offset = len(page)
	s.status = StatusReady
	s.mu.Unlock()
	s.notify(true)

	s.cacheput(conv.ID, page...)
	s.subscribe()
	return nil
}

// fail records a terminal initialization error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.opening = false
	if s.status == StatusIdle {
		s.status = StatusError
		s.initErr = err
	}
	s.mu.Unlock()
	logger.Warn("session_init_failed", "self", s.self, "other", s.other, "error", err)
}

// cacheput writes confirmed messages back to the history cache. Failures
// only cost the next open its preview.
func (s *Session) cacheput(conversationID string, msgs ...models.Message) {
	if s.cache == nil || conversationID == "" || len(msgs) == 0 {
		return
	}
	if err := s.cache.Put(conversationID, msgs...); err != nil {
		logger.Debug("session_cache_put_failed", "conversation", conversationID, "error", err)
	}
}

// Send appends an optimistic placeholder immediately, then submits the
// message. On success the returned stored message replaces the placeholder
// through the normal merge. On failure the placeholder stays in the list
// and the error tells the caller to restore the input text for a manual
// retry.
func (s *Session) Send(ctx context.Context, content string) (models.Message, error) {
	corr := utils.NewCorrelationID()

	s.mu.Lock()
	if s.status != StatusReady {
		status := s.status
		s.mu.Unlock()
		if status == StatusClosed {
			return models.Message{}, ErrClosed
		}
		return models.Message{}, ErrNotReady
	}
	pending := Entry{
		Kind:    Pending,
		LocalID: utils.GenID("local"),
		Msg: models.Message{
			Conversation:  s.convID,
			Sender:        s.self,
			Receiver:      s.other,
			TS:            time.Now().UTC().UnixNano(),
			Content:       content,
			CorrelationID: corr,
		},
	}
	s.entries = append(s.entries, pending)
	s.mu.Unlock()
	s.notify(true)

	ctx, cancel := s.scope(ctx)
	defer cancel()

	msg, err := s.store.SendMessage(ctx, s.other, content, corr)
	if err != nil {
		logger.Warn("session_send_failed", "self", s.self, "other", s.other, "error", err)
		return models.Message{}, err
	}

	s.mu.Lock()
	if s.status != StatusReady {
		// closed while the send was in flight; drop the result
		s.mu.Unlock()
		return msg, nil
	}
	if s.convID == "" && msg.Conversation != "" {
		// first send created the conversation
		s.convID = msg.Conversation
		s.exists = true
	}
	s.entries = Merge(s.entries, []models.Message{msg})
	s.mu.Unlock()
	s.notify(false)

	s.cacheput(msg.Conversation, msg)
	s.subscribe()
	return msg, nil
}

// LoadOlder extends history backward by one page. It is single-flight: a
// call while a fetch is in flight, or after the history is exhausted, does
// nothing. A failed fetch clears the guard and returns the error; the next
// call tries again.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusReady || !s.hasMore || s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	offset := s.offset
	s.mu.Unlock()

	ctx, cancel := s.scope(ctx)
	defer cancel()

	page, err := s.store.ConversationMessages(ctx, s.other, s.pageSize, offset)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		logger.Warn("session_load_older_failed", "self", s.self, "other", s.other, "error", err)
		return err
	}
	if s.status != StatusReady {
		s.mu.Unlock()
		return nil
	}
	if len(page) < s.pageSize {
		// a short page is the end of history, permanently
		s.hasMore = false
	}
	if len(page) > 0 {
		s.prependPage(page)
		s.offset += s.pageSize
	}
	s.mu.Unlock()
	s.notify(false)
	return nil
}

// prependPage puts an older page (newest-first) in front of the current
// list. The page is already ordered and strictly older than the head, so
// no re-sort happens; ids the list already holds are skipped, which
// absorbs the window drift caused by messages that arrived between loads.
// Caller holds s.mu.
func (s *Session) prependPage(page []models.Message) {
	have := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		have[e.Identity()] = struct{}{}
	}
	older := make([]Entry, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if _, ok := have[page[i].ID]; ok {
			continue
		}
		older = append(older, Entry{Kind: Confirmed, Msg: page[i]})
	}
	if len(older) == 0 {
		return
	}
	s.entries = append(older, s.entries...)
}

// subscribe opens the conversation-scoped feed once a conversation id is
// known. Best-effort: the session stays usable without live updates.
func (s *Session) subscribe() {
	if s.feed == nil {
		return
	}
	s.mu.Lock()
	if s.sub != nil || s.subscribing || s.convID == "" || s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	s.subscribing = true
	convID := s.convID
	s.mu.Unlock()

	sub, err := s.feed.Subscribe(s.ctx, convID)

	s.mu.Lock()
	s.subscribing = false
	if err != nil {
		s.mu.Unlock()
		logger.Warn("session_subscribe_failed", "conversation", convID, "error", err)
		return
	}
	if s.status != StatusReady {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	go s.pump(sub)
}

// pump forwards feed events into the merge until the subscription closes.
// Events are at-least-once and unordered; the merge restores order and
// drops duplicates.
func (s *Session) pump(sub Subscription) {
	for ev := range sub.Events() {
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		// the feed may be broader than this conversation; drop anything
		// not between the pair
		if !s.pairMatch(m.Sender, m.Receiver) {
			return
		}
		s.mu.Lock()
		if s.status != StatusReady {
			s.mu.Unlock()
			return
		}
		before := len(s.entries)
		s.entries = Merge(s.entries, []models.Message{m})
		grew := len(s.entries) > before
		s.mu.Unlock()
		s.notify(grew)
		s.cacheput(m.Conversation, m)
	case models.EventMessageRead:
		s.applyRead(ev.Reader, ev.UpToTS)
	}
}

func (s *Session) pairMatch(sender, receiver string) bool {
	return (sender == s.self && receiver == s.other) ||
		(sender == s.other && receiver == s.self)
}

// applyRead flips the read flag on confirmed messages addressed to reader
// up to the watermark.
func (s *Session) applyRead(reader string, upToTS int64) {
	if reader == "" {
		return
	}
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	changed := false
	for i, e := range s.entries {
		if e.Kind != Confirmed || e.Msg.Read {
			continue
		}
		if e.Msg.Receiver == reader && e.Msg.TS <= upToTS {
			s.entries[i].Msg.Read = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(false)
	}
}

// notify signals the UI without blocking; a full buffer is fine because
// consumers re-read Messages on every update.
func (s *Session) notify(tailGrew bool) {
	select {
	case s.updates <- Update{TailGrew: tailGrew}:
	default:
	}
}

// Close tears the session down unconditionally: the lifetime context is
// cancelled so in-flight calls stop, and the subscription is closed no
// matter what is mid-delivery. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosed
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		sub.Close()
	}
	return nil
}

// Messages returns a copy of the current list, oldest first.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// HasMore reports whether older history may remain.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Status returns the session lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the terminal initialization error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// Exists reports whether the conversation exists server-side yet.
func (s *Session) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// ConversationID returns the conversation id, or "" before the first send
// of a fresh chat.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Updates exposes change notifications for the UI. The channel is never
// closed; stop reading after Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}
