// Package histcache is a small bbolt-backed cache of confirmed messages,
// one bucket per conversation, kept on the client side so a reopened chat
// can show its recent tail before the first authoritative page arrives.
package histcache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"farmchat/pkg/models"
)

// DefaultMaxEntries bounds each conversation bucket when Open is given a
// non-positive cap.
const DefaultMaxEntries = 256

// Cache holds recent confirmed messages per conversation. All methods are
// safe for concurrent use; bbolt serializes writers internally.
type Cache struct {
	db  *bbolt.DB
	max int
}

// Open opens (or creates) the cache file. maxEntries caps each
// conversation's bucket; the oldest entries are pruned past it.
func Open(path string, maxEntries int) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history cache: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{db: db, max: maxEntries}, nil
}

// key orders entries by timestamp; the id suffix keeps same-instant
// messages from colliding and makes rewrites of the same message land on
// the same key.
func key(m models.Message) []byte {
	return []byte(fmt.Sprintf("%020d:%s", m.TS, m.ID))
}

// Put stores confirmed messages for the conversation and prunes the bucket
// back under the cap. Messages without an id or timestamp are skipped;
// cached state never holds placeholders.
func (c *Cache) Put(conversationID string, msgs ...models.Message) error {
	if conversationID == "" || len(msgs) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID == "" || m.TS <= 0 {
				continue
			}
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put(key(m), data); err != nil {
				return err
			}
		}
		return prune(b, c.max)
	})
}

// prune deletes the oldest keys until the bucket is within max.
func prune(b *bbolt.Bucket, max int) error {
	var keys [][]byte
	cur := b.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for i := 0; i < len(keys)-max; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns up to limit of the newest cached messages for the
// conversation, oldest first. A conversation that was never cached yields
// an empty slice.
func (c *Cache) Tail(conversationID string, limit int) ([]models.Message, error) {
	if conversationID == "" || limit <= 0 {
		return nil, nil
	}
	var out []models.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		cur := b.Cursor()
		for k, v := cur.Last(); k != nil && len(out) < limit; k, v = cur.Prev() {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				// a corrupt entry is dropped, not fatal
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// collected newest-first; flip to display order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Len reports how many entries the conversation's bucket holds.
func (c *Cache) Len(conversationID string) (int, error) {
	n := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		cur := b.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeleteConversation drops the conversation's bucket.
func (c *Cache) DeleteConversation(conversationID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(conversationID)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(conversationID))
	})
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
