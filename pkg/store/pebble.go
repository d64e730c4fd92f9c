package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/utils"
)

// Pebble is the embedded default driver. One process owns the database
// directory exclusively.
type Pebble struct {
	db   *pebble.DB
	path string
	// syncWrites forces fsync per message write; when false, writes are
	// NoSync and the ingest monitor issues group fsyncs via ForceSync.
	syncWrites bool

	// seq reduces key collisions when messages share a nanosecond timestamp.
	seq uint64
	// pendingWrites counts NoSync writes since the last ForceSync.
	pendingWrites int64

	// mu serializes read-modify-write sections: conversation creation,
	// metadata bumps, unread counters and read watermarks.
	mu sync.Mutex
}

// OpenPebble opens (or creates) the database at path and returns the driver.
func OpenPebble(path string, syncWrites bool) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path, "sync_writes", syncWrites)
	return &Pebble{db: db, path: path, syncWrites: syncWrites}, nil
}

func (s *Pebble) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return nil
}

func (s *Pebble) writeOpt() *pebble.WriteOptions {
	if s.syncWrites {
		return pebble.Sync
	}
	atomic.AddInt64(&s.pendingWrites, 1)
	return pebble.NoSync
}

// PendingWrites reports NoSync writes not yet covered by a group fsync.
func (s *Pebble) PendingWrites() int64 { return atomic.LoadInt64(&s.pendingWrites) }

// ResetPendingWrites zeroes the pending-write counter after a ForceSync.
func (s *Pebble) ResetPendingWrites() { atomic.StoreInt64(&s.pendingWrites, 0) }

// ForceSync flushes the memtable, making earlier NoSync writes durable.
func (s *Pebble) ForceSync() error {
	if s.db == nil {
		return ErrNotOpen
	}
	_, err := s.db.AsyncFlush()
	return err
}

func (s *Pebble) EnsureConversation(ctx context.Context, a, b string) (models.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, false, ErrInvalidPair
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, err := s.findConversationLocked(a, b); err == nil {
		return conv, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.Conversation{}, false, err
	}

	lo, hi := models.PairKey(a, b)
	conv := models.Conversation{
		ID:        utils.GenID("conv"),
		UserLo:    lo,
		UserHi:    hi,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(PairIndexKey(a, b), []byte(conv.ID), nil)
	_ = batch.Set(ConvMetaKey(conv.ID), data, nil)
	_ = batch.Set(UserConvKey(lo, conv.ID), nil, nil)
	_ = batch.Set(UserConvKey(hi, conv.ID), nil, nil)
	// conversation creation is rare; always make it durable immediately
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		logger.Error("conversation_create_failed", "conv", conv.ID, "error", err)
		return models.Conversation{}, false, err
	}
	logger.Info("conversation_created", "conv", conv.ID, "user_lo", lo, "user_hi", hi)
	return conv, true, nil
}

func (s *Pebble) FindConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, ErrInvalidPair
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findConversationLocked(a, b)
}

func (s *Pebble) findConversationLocked(a, b string) (models.Conversation, error) {
	id, err := s.getValue(PairIndexKey(a, b))
	if err != nil {
		return models.Conversation{}, err
	}
	return s.getConversationByID(string(id))
}

func (s *Pebble) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConversationByID(id)
}

func (s *Pebble) getConversationByID(id string) (models.Conversation, error) {
	v, err := s.getValue(ConvMetaKey(id))
	if err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("invalid conversation metadata: %w", err)
	}
	return conv, nil
}

// getValue reads a key, translating pebble.ErrNotFound and copying the
// value out of the iterator's buffer.
func (s *Pebble) getValue(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func (s *Pebble) AppendMessage(ctx context.Context, msg models.Message) error {
	if s.db == nil {
		return ErrNotOpen
	}
	if msg.ID == "" || msg.Conversation == "" || msg.Sender == "" || msg.Receiver == "" || msg.TS <= 0 {
		return fmt.Errorf("incomplete message: id=%q conv=%q", msg.ID, msg.Conversation)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.getConversationByID(msg.Conversation)
	if err != nil {
		return fmt.Errorf("append to unknown conversation %s: %w", msg.Conversation, err)
	}
	if !conv.Has(msg.Sender) || !conv.Has(msg.Receiver) {
		return fmt.Errorf("message participants do not match conversation %s", conv.ID)
	}

	seq := atomic.AddUint64(&s.seq, 1)
	key := MsgKey(msg.Conversation, msg.TS, seq)

	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(key, data, nil)

	// bump conversation activity unless a late out-of-order append arrives
	if msg.TS >= conv.LastTS {
		conv.LastTS = msg.TS
		conv.LastContent = msg.Content
		if nb, merr := json.Marshal(conv); merr == nil {
			_ = batch.Set(ConvMetaKey(conv.ID), nb, nil)
		}
	}

	unread, _ := s.readCounter(UnreadKey(conv.ID, msg.Receiver))
	_ = batch.Set(UnreadKey(conv.ID, msg.Receiver), []byte(strconv.Itoa(unread+1)), nil)

	if err := s.db.Apply(batch, s.writeOpt()); err != nil {
		logger.Error("append_message_failed", "conv", conv.ID, "msg", msg.ID, "error", err)
		return err
	}
	logger.Debug("message_appended", "conv", conv.ID, "msg", msg.ID, "key", string(key))
	return nil
}

func (s *Pebble) readCounter(key []byte) (int, error) {
	v, err := s.getValue(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ConversationMessages walks the message prefix backwards: offset 0 is the
// newest message. A page shorter than limit means the top of history.
func (s *Pebble) ConversationMessages(ctx context.Context, convID string, limit, offset int) ([]models.Message, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("invalid page: limit=%d offset=%d", limit, offset)
	}
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}

	prefix := MsgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]models.Message, 0, limit)
	skipped := 0
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Error("invalid_message_json", "conv", convID, "key", string(iter.Key()), "error", err)
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MarkRead flips the read flag on messages addressed to readerID up to the
// watermark. Watermarks only move forward, so the backward walk stops at the
// first already-read message for this reader.
func (s *Pebble) MarkRead(ctx context.Context, convID, readerID string, upToTS int64) (int, error) {
	if s.db == nil {
		return 0, ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.getConversationByID(convID)
	if err != nil {
		return 0, err
	}
	if !conv.Has(readerID) {
		return 0, fmt.Errorf("reader %s is not part of conversation %s", readerID, convID)
	}

	prefix := MsgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		// keys with ts <= upToTS sort strictly below the (upToTS+1, 0) key
		UpperBound: MsgKey(convID, upToTS+1, 0),
	})
	if err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	flipped := 0
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Receiver != readerID {
			continue
		}
		if m.Read {
			break
		}
		m.Read = true
		if nb, merr := json.Marshal(m); merr == nil {
			_ = batch.Set(append([]byte(nil), iter.Key()...), nb, nil)
			flipped++
		}
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		batch.Close()
		return 0, iterErr
	}
	if flipped == 0 {
		batch.Close()
		return 0, nil
	}

	// messages newer than the watermark stay unread
	remaining, err := s.countUnreadAbove(convID, readerID, upToTS)
	if err != nil {
		batch.Close()
		return 0, err
	}
	_ = batch.Set(UnreadKey(convID, readerID), []byte(strconv.Itoa(remaining)), nil)

	if err := s.db.Apply(batch, s.writeOpt()); err != nil {
		batch.Close()
		logger.Error("mark_read_failed", "conv", convID, "reader", readerID, "error", err)
		return 0, err
	}
	batch.Close()
	logger.Debug("marked_read", "conv", convID, "reader", readerID, "up_to_ts", upToTS, "flipped", flipped)
	return flipped, nil
}

func (s *Pebble) countUnreadAbove(convID, readerID string, afterTS int64) (int, error) {
	prefix := MsgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: MsgKey(convID, afterTS+1, 0),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Receiver == readerID && !m.Read {
			n++
		}
	}
	return n, iter.Error()
}

func (s *Pebble) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	prefix := UserConvPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for ok := iter.First(); ok; ok = iter.Next() {
		ids = append(ids, ConvIDFromUserConvKey(string(iter.Key()), userID))
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		return nil, iterErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		conv, err := s.getConversationByID(id)
		if err != nil {
			logger.Warn("conversation_index_dangling", "user", userID, "conv", id)
			continue
		}
		unread, _ := s.readCounter(UnreadKey(id, userID))
		out = append(out, models.ConversationSummary{
			Conversation: conv,
			Peer:         conv.Peer(userID),
			Unread:       unread,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTS > out[j].LastTS })
	return out, nil
}

func (s *Pebble) Participant(ctx context.Context, id string) (models.Participant, error) {
	v, err := s.getValue(ParticipantKey(id))
	if err != nil {
		return models.Participant{}, err
	}
	var p models.Participant
	if err := json.Unmarshal(v, &p); err != nil {
		return models.Participant{}, fmt.Errorf("invalid participant JSON: %w", err)
	}
	return p, nil
}

func (s *Pebble) SaveParticipant(ctx context.Context, p models.Participant) error {
	if s.db == nil {
		return ErrNotOpen
	}
	if p.ID == "" {
		return fmt.Errorf("participant requires an id")
	}
	p.Online = false // presence is never persisted
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(ParticipantKey(p.ID), data, pebble.Sync)
}

func (s *Pebble) Stats(ctx context.Context) (Stats, error) {
	if s.db == nil {
		return Stats{}, ErrNotOpen
	}
	st := Stats{Driver: "pebble"}
	convs, err := s.countKeysWithSuffix([]byte("conv:"), ":meta")
	if err != nil {
		return st, err
	}
	st.Conversations = convs
	parts, err := s.countKeysWithSuffix([]byte("participant:"), "")
	if err != nil {
		return st, err
	}
	st.Participants = parts
	st.DiskBytes = s.diskBytes()
	return st, nil
}

func (s *Pebble) countKeysWithSuffix(prefix []byte, suffix string) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if suffix == "" || bytes.HasSuffix(iter.Key(), []byte(suffix)) {
			n++
		}
	}
	return n, iter.Error()
}

// SystemGet reads a service-internal marker, or ErrNotFound.
func (s *Pebble) SystemGet(name string) (string, error) {
	v, err := s.getValue([]byte(SystemKey(name)))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SystemSet writes a service-internal marker.
func (s *Pebble) SystemSet(name string, value []byte) error {
	if s.db == nil {
		return ErrNotOpen
	}
	return s.db.Set([]byte(SystemKey(name)), value, pebble.Sync)
}

// SystemDelete removes a service-internal marker.
func (s *Pebble) SystemDelete(name string) error {
	if s.db == nil {
		return ErrNotOpen
	}
	return s.db.Delete([]byte(SystemKey(name)), pebble.Sync)
}

// ListKeys returns all keys with the given prefix; an empty prefix lists the
// whole keyspace. Debug tooling only.
func (s *Pebble) ListKeys(prefix string) ([]string, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	opts := &pebble.IterOptions{}
	if prefix != "" {
		p := []byte(prefix)
		opts.LowerBound = p
		opts.UpperBound = prefixUpperBound(p)
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for ok := iter.First(); ok; ok = iter.Next() {
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

// GetRaw returns the raw value stored at key. Debug tooling only.
func (s *Pebble) GetRaw(key string) ([]byte, error) {
	return s.getValue([]byte(key))
}

// PutRawConversation overwrites a conversation record verbatim. Maintenance
// and test tooling only.
func (s *Pebble) PutRawConversation(convID string, value []byte) error {
	if s.db == nil {
		return ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(ConvMetaKey(convID), value, pebble.Sync)
}

// AllConversations scans every conversation record. Maintenance use only;
// request paths go through Conversations.
func (s *Pebble) AllConversations() ([]models.Conversation, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Conversation
	for ok := iter.First(); ok; ok = iter.Next() {
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal(iter.Value(), &conv); err != nil {
			continue
		}
		out = append(out, conv)
	}
	return out, iter.Error()
}

// RepairConversationMeta re-derives LastTS and LastContent from the newest
// stored message. Idempotent; used by schema migrations.
func (s *Pebble) RepairConversationMeta(ctx context.Context, convID string) error {
	msgs, err := s.ConversationMessages(ctx, convID, 1, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getConversationByID(convID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	newest := msgs[0]
	if conv.LastTS == newest.TS && conv.LastContent == newest.Content {
		return nil
	}
	conv.LastTS = newest.TS
	conv.LastContent = newest.Content
	buf, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.db.Set(ConvMetaKey(convID), buf, pebble.Sync)
}

// RecountUnread recomputes both unread counters for a conversation from the
// stored read flags. Idempotent; used by schema migrations.
func (s *Pebble) RecountUnread(convID string) error {
	return s.rebuildUnread(convID)
}

// PurgeOlderThan deletes messages with TS < cutoff across all conversations,
// in chunks of batchSize with sleep between chunks, then rebuilds the unread
// counters of affected conversations. Conversation metadata survives even
// when every message is purged.
func (s *Pebble) PurgeOlderThan(ctx context.Context, cutoff int64, batchSize int, sleep time.Duration, dryRun bool) (PurgeStats, error) {
	var stats PurgeStats
	if s.db == nil {
		return stats, ErrNotOpen
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	convIDs, err := s.allConversationIDs()
	if err != nil {
		return stats, err
	}
	for _, convID := range convIDs {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		deleted, scanned, err := s.purgeConversation(ctx, convID, cutoff, batchSize, sleep, dryRun)
		stats.Scanned += scanned
		stats.Deleted += deleted
		if err != nil {
			return stats, err
		}
		if deleted > 0 {
			stats.Conversations++
			if !dryRun {
				if err := s.rebuildUnread(convID); err != nil {
					logger.Warn("unread_rebuild_failed", "conv", convID, "error", err)
				}
			}
		}
	}
	return stats, nil
}

func (s *Pebble) allConversationIDs() ([]string, error) {
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for ok := iter.First(); ok; ok = iter.Next() {
		k := string(iter.Key())
		if bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			out = append(out, k[len("conv:"):len(k)-len(":meta")])
		}
	}
	return out, iter.Error()
}

func (s *Pebble) purgeConversation(ctx context.Context, convID string, cutoff int64, batchSize int, sleep time.Duration, dryRun bool) (deleted, scanned int, err error) {
	prefix := MsgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		// only keys with ts < cutoff can sort below (cutoff, 0)
		UpperBound: MsgKey(convID, cutoff, 0),
	})
	if err != nil {
		return 0, 0, err
	}
	var doomed [][]byte
	for ok := iter.First(); ok; ok = iter.Next() {
		scanned++
		doomed = append(doomed, append([]byte(nil), iter.Key()...))
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		return 0, scanned, iterErr
	}
	if dryRun {
		return len(doomed), scanned, nil
	}
	for start := 0; start < len(doomed); start += batchSize {
		select {
		case <-ctx.Done():
			return deleted, scanned, ctx.Err()
		default:
		}
		end := start + batchSize
		if end > len(doomed) {
			end = len(doomed)
		}
		batch := s.db.NewBatch()
		for _, k := range doomed[start:end] {
			_ = batch.Delete(k, nil)
		}
		if err := s.db.Apply(batch, pebble.Sync); err != nil {
			batch.Close()
			return deleted, scanned, err
		}
		batch.Close()
		deleted += end - start
		if sleep > 0 && end < len(doomed) {
			time.Sleep(sleep)
		}
	}
	return deleted, scanned, nil
}

func (s *Pebble) rebuildUnread(convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getConversationByID(convID)
	if err != nil {
		return err
	}
	for _, user := range []string{conv.UserLo, conv.UserHi} {
		n, err := s.countUnreadAbove(convID, user, 0)
		if err != nil {
			return err
		}
		if err := s.db.Set(UnreadKey(convID, user), []byte(strconv.Itoa(n)), pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
