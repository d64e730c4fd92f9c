package store

import (
	"context"
	"errors"
	"time"

	"farmchat/pkg/models"
)

// ErrNotFound is returned when a conversation, message or participant does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNotOpen is returned when the package-level store is used before Open.
var ErrNotOpen = errors.New("store not opened; call store.Open first")

// ErrInvalidPair is returned when a conversation is addressed with missing
// or identical participant ids.
var ErrInvalidPair = errors.New("store: conversation requires two distinct participants")

// Store is the persistence surface of the chat service. Implementations
// must be safe for concurrent use.
type Store interface {
	// EnsureConversation returns the conversation for the unordered pair
	// (a, b), creating it when absent. The second result reports whether a
	// new conversation was created. Conversations are only ever created
	// through this call, on the first send.
	EnsureConversation(ctx context.Context, a, b string) (models.Conversation, bool, error)

	// AppendMessage persists a fully-formed message (id, conversation and
	// timestamp already assigned) and bumps the receiver's unread counter.
	AppendMessage(ctx context.Context, msg models.Message) error

	// ConversationMessages returns one page of messages, newest first:
	// offset 0 is the newest message.
	ConversationMessages(ctx context.Context, convID string, limit, offset int) ([]models.Message, error)

	// FindConversation resolves the unordered pair (a, b) to its
	// conversation, or ErrNotFound. It never creates one.
	FindConversation(ctx context.Context, a, b string) (models.Conversation, error)

	// GetConversation loads a conversation by id, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (models.Conversation, error)

	// Conversations lists the user's conversations newest-activity first,
	// with unread counts.
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	// MarkRead marks every message addressed to readerID with TS <= upToTS
	// as read and zeroes the reader's unread counter. It returns how many
	// messages flipped. The watermark only moves forward.
	MarkRead(ctx context.Context, convID, readerID string, upToTS int64) (int, error)

	// Participant loads participant reference data, or ErrNotFound.
	Participant(ctx context.Context, id string) (models.Participant, error)

	// SaveParticipant upserts participant reference data.
	SaveParticipant(ctx context.Context, p models.Participant) error

	// Stats reports storage-level counters for the admin surface.
	Stats(ctx context.Context) (Stats, error)

	// PurgeOlderThan deletes messages with TS < cutoff. Used by retention.
	PurgeOlderThan(ctx context.Context, cutoff int64, batchSize int, sleep time.Duration, dryRun bool) (PurgeStats, error)

	Close() error
}

// Stats is a storage-level summary for admin endpoints and the monitor.
type Stats struct {
	Driver        string `json:"driver"`
	Conversations int    `json:"conversations"`
	Participants  int    `json:"participants"`
	DiskBytes     uint64 `json:"disk_bytes,omitempty"`
}

// PurgeStats summarizes one retention sweep.
type PurgeStats struct {
	Scanned       int `json:"scanned"`
	Deleted       int `json:"deleted"`
	Conversations int `json:"conversations"`
}

// The package keeps one default store so server code can call store.X(...)
// without threading a handle everywhere. The session library and tests use
// the Store interface directly.
var defaultStore Store

// SetDefault installs the package-level store.
func SetDefault(s Store) { defaultStore = s }

// Default returns the package-level store, or nil before Open.
func Default() Store { return defaultStore }

// Ready reports whether the package-level store is usable.
func Ready() bool { return defaultStore != nil }

// Close closes and clears the package-level store.
func Close() error {
	if defaultStore == nil {
		return nil
	}
	err := defaultStore.Close()
	defaultStore = nil
	return err
}

func EnsureConversation(ctx context.Context, a, b string) (models.Conversation, bool, error) {
	if defaultStore == nil {
		return models.Conversation{}, false, ErrNotOpen
	}
	return defaultStore.EnsureConversation(ctx, a, b)
}

func AppendMessage(ctx context.Context, msg models.Message) error {
	if defaultStore == nil {
		return ErrNotOpen
	}
	return defaultStore.AppendMessage(ctx, msg)
}

func ConversationMessages(ctx context.Context, convID string, limit, offset int) ([]models.Message, error) {
	if defaultStore == nil {
		return nil, ErrNotOpen
	}
	return defaultStore.ConversationMessages(ctx, convID, limit, offset)
}

func FindConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if defaultStore == nil {
		return models.Conversation{}, ErrNotOpen
	}
	return defaultStore.FindConversation(ctx, a, b)
}

func GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if defaultStore == nil {
		return models.Conversation{}, ErrNotOpen
	}
	return defaultStore.GetConversation(ctx, id)
}

func Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if defaultStore == nil {
		return nil, ErrNotOpen
	}
	return defaultStore.Conversations(ctx, userID)
}

func MarkRead(ctx context.Context, convID, readerID string, upToTS int64) (int, error) {
	if defaultStore == nil {
		return 0, ErrNotOpen
	}
	return defaultStore.MarkRead(ctx, convID, readerID, upToTS)
}

func Participant(ctx context.Context, id string) (models.Participant, error) {
	if defaultStore == nil {
		return models.Participant{}, ErrNotOpen
	}
	return defaultStore.Participant(ctx, id)
}

func SaveParticipant(ctx context.Context, p models.Participant) error {
	if defaultStore == nil {
		return ErrNotOpen
	}
	return defaultStore.SaveParticipant(ctx, p)
}

func GetStats(ctx context.Context) (Stats, error) {
	if defaultStore == nil {
		return Stats{}, ErrNotOpen
	}
	return defaultStore.Stats(ctx)
}

func PurgeOlderThan(ctx context.Context, cutoff int64, batchSize int, sleep time.Duration, dryRun bool) (PurgeStats, error) {
	if defaultStore == nil {
		return PurgeStats{}, ErrNotOpen
	}
	return defaultStore.PurgeOlderThan(ctx, cutoff, batchSize, sleep, dryRun)
}
